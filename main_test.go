package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"os"
	"testing"
	"time"

	"folio/internal/models"
	"folio/internal/session"
	wsproto "folio/internal/ws"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

func TestIntegration(t *testing.T) {
	// Setup temporary DB and port
	dbFile := "integration_test.db"
	_ = os.Remove(dbFile) // cleanup before
	defer func() { _ = os.Remove(dbFile) }()

	apiAddr := "127.0.0.1:8087"
	uploadsDir := t.TempDir()

	_ = os.Setenv("FOLIO_DB", dbFile)
	_ = os.Setenv("API_ADDR", apiAddr)
	_ = os.Setenv("UPLOADS_PATH", uploadsDir)
	_ = os.Setenv("AUTH_SECRET", "very-secure-test-secret")
	defer func() {
		_ = os.Unsetenv("FOLIO_DB")
		_ = os.Unsetenv("API_ADDR")
		_ = os.Unsetenv("UPLOADS_PATH")
		_ = os.Unsetenv("AUTH_SECRET")
	}()

	// Start server in background
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		if err := run(ctx, ""); err != nil {
			// run returns context.Canceled on shutdown, ignore it
			if err != context.Canceled {
				t.Errorf("Server error: %v", err)
			}
		}
	}()

	baseURL := "http://" + apiAddr
	waitForServer(t, baseURL+"/api/me", 20)

	client := &http.Client{}

	// Step 1: Register two participants
	register := func(username string) models.Participant {
		body, _ := json.Marshal(session.RegisterRequest{
			Username:    username,
			Password:    "password-" + username,
			DisplayName: username,
		})
		req, err := http.NewRequest("POST", baseURL+"/api/register", bytes.NewBuffer(body))
		require.NoError(t, err)
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Origin", baseURL)

		resp, err := client.Do(req)
		require.NoError(t, err)
		defer func() { _ = resp.Body.Close() }()
		require.Equal(t, http.StatusOK, resp.StatusCode)

		var p models.Participant
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&p))
		require.NotEmpty(t, p.ID)
		return p
	}

	alice := register("alice")
	bob := register("bob")

	// Step 2: Login both
	login := func(username string) string {
		body, _ := json.Marshal(session.LoginRequest{
			Username: username,
			Password: "password-" + username,
		})
		req, err := http.NewRequest("POST", baseURL+"/api/login", bytes.NewBuffer(body))
		require.NoError(t, err)
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Origin", baseURL)

		resp, err := client.Do(req)
		require.NoError(t, err)
		defer func() { _ = resp.Body.Close() }()
		require.Equal(t, http.StatusOK, resp.StatusCode)

		var loginResp session.LoginResponse
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&loginResp))
		require.True(t, loginResp.Success)
		require.NotEmpty(t, loginResp.Token)
		return loginResp.Token
	}

	aliceToken := login("alice")
	bobToken := login("bob")

	// Step 3: Participant listing requires auth and shows both
	reqList, _ := http.NewRequest("GET", baseURL+"/api/participants", nil)
	reqList.Header.Set("token", aliceToken)
	respList, err := client.Do(reqList)
	require.NoError(t, err)
	defer func() { _ = respList.Body.Close() }()
	require.Equal(t, http.StatusOK, respList.StatusCode)

	var participants []models.Participant
	require.NoError(t, json.NewDecoder(respList.Body).Decode(&participants))
	require.Len(t, participants, 2)

	// Unauthenticated access is rejected
	respAnon, err := client.Get(baseURL + "/api/participants")
	require.NoError(t, err)
	defer func() { _ = respAnon.Body.Close() }()
	require.Equal(t, http.StatusUnauthorized, respAnon.StatusCode)

	// Step 4: Open two chat windows over websockets
	dial := func(token string) *websocket.Conn {
		header := http.Header{}
		header.Set("token", token)
		conn, resp, err := websocket.DefaultDialer.Dial("ws://"+apiAddr+"/api/chat", header)
		require.NoError(t, err)
		if resp != nil {
			_ = resp.Body.Close()
		}
		t.Cleanup(func() { _ = conn.Close() })
		return conn
	}

	aliceWS := dial(aliceToken)
	bobWS := dial(bobToken)

	// An unauthenticated websocket is refused
	_, resp, err := websocket.DefaultDialer.Dial("ws://"+apiAddr+"/api/chat", nil)
	require.Error(t, err)
	if resp != nil {
		require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
		_ = resp.Body.Close()
	}

	// readUntil drains render events until one matches the wanted op.
	readUntil := func(conn *websocket.Conn, op wsproto.RenderOp) wsproto.ServerEvent {
		t.Helper()
		deadline := time.Now().Add(5 * time.Second)
		for {
			require.NoError(t, conn.SetReadDeadline(deadline))
			var event wsproto.ServerEvent
			require.NoError(t, conn.ReadJSON(&event))
			if event.Op == op {
				return event
			}
		}
	}

	// Alice opens a chat with Bob: empty history first.
	require.NoError(t, aliceWS.WriteJSON(wsproto.ClientCommand{Type: wsproto.ClientCommandOpen, OtherID: bob.ID}))
	history := readUntil(aliceWS, wsproto.RenderHistory)
	require.Empty(t, history.Messages)

	// Bob opens the same conversation; Alice sees him come online.
	require.NoError(t, bobWS.WriteJSON(wsproto.ClientCommand{Type: wsproto.ClientCommandOpen, OtherID: alice.ID}))
	readUntil(bobWS, wsproto.RenderHistory)

	status := readUntil(aliceWS, wsproto.RenderStatus)
	for status.Status != "online" {
		status = readUntil(aliceWS, wsproto.RenderStatus)
	}

	// Step 5: Bob types, Alice sees the indicator.
	require.NoError(t, bobWS.WriteJSON(wsproto.ClientCommand{Type: wsproto.ClientCommandTyping}))
	status = readUntil(aliceWS, wsproto.RenderStatus)
	for status.Status != "typing" {
		status = readUntil(aliceWS, wsproto.RenderStatus)
	}

	// Step 6: Alice sends; she gets the optimistic append plus the
	// confirmation, Bob gets the message pushed.
	require.NoError(t, aliceWS.WriteJSON(wsproto.ClientCommand{Type: wsproto.ClientCommandSend, Text: "hello **bob**"}))

	appended := readUntil(aliceWS, wsproto.RenderAppend)
	require.NotNil(t, appended.Message)
	require.Contains(t, appended.Message.ID, "temp-")
	require.Equal(t, "hello **bob**", appended.Message.Content)

	confirmed := readUntil(aliceWS, wsproto.RenderConfirm)
	require.Equal(t, appended.Message.ID, confirmed.TempID)
	require.NotContains(t, confirmed.Message.ID, "temp-")

	received := readUntil(bobWS, wsproto.RenderAppend)
	require.NotNil(t, received.Message)
	require.Equal(t, confirmed.Message.ID, received.Message.ID)
	require.Equal(t, alice.ID, received.Message.SenderID)
	// Markdown is rendered server-side.
	require.Contains(t, received.Message.HTML, "<strong>bob</strong>")

	// Step 7: Self-chat is rejected with an error render op.
	require.NoError(t, bobWS.WriteJSON(wsproto.ClientCommand{Type: wsproto.ClientCommandClose}))
	require.NoError(t, bobWS.WriteJSON(wsproto.ClientCommand{Type: wsproto.ClientCommandOpen, OtherID: bob.ID}))
	errEvent := readUntil(bobWS, wsproto.RenderError)
	require.NotEmpty(t, errEvent.Text)

	// Bob closed his window; Alice sees him go offline.
	status = readUntil(aliceWS, wsproto.RenderStatus)
	for status.Status != "offline" {
		status = readUntil(aliceWS, wsproto.RenderStatus)
	}

	// Step 8: Re-opening loads the stored history.
	require.NoError(t, bobWS.WriteJSON(wsproto.ClientCommand{Type: wsproto.ClientCommandOpen, OtherID: alice.ID}))
	history = readUntil(bobWS, wsproto.RenderHistory)
	require.Len(t, history.Messages, 1)
	require.Equal(t, "hello **bob**", history.Messages[0].Content)
}

func waitForServer(t *testing.T, urlStr string, retries int) {
	client := &http.Client{Timeout: 500 * time.Millisecond}
	for i := 0; i < retries; i++ {
		resp, err := client.Get(urlStr)
		if err == nil {
			_ = resp.Body.Close()
			return
		}
		time.Sleep(100 * time.Millisecond)
	}
	t.Fatalf("Server failed to start at %s after %d retries", urlStr, retries)
}
