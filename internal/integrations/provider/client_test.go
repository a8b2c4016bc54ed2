package provider

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"chat-relay/internal/domain"
)

type fakeTokens struct {
	token string
	err   error
	calls int
	// block makes Token wait until ctx ends.
	block bool
}

func (f *fakeTokens) Token(ctx context.Context, _ string) (string, error) {
	f.calls++
	if f.block {
		<-ctx.Done()
		return "", ctx.Err()
	}
	return f.token, f.err
}

func newTestClient(t *testing.T, h http.HandlerFunc, opts ...Option) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	opts = append([]Option{WithBaseURL(srv.URL), WithStaticToken("pat-test")}, opts...)
	c, err := NewClient("bot-1", opts...)
	require.NoError(t, err)
	return c
}

func writeJSON(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = io.WriteString(w, body)
}

func requireProviderError(t *testing.T, err error, kind ErrorKind) *Error {
	t.Helper()
	var perr *Error
	require.ErrorAs(t, err, &perr)
	require.Equal(t, kind, perr.Kind, "error: %v", err)
	return perr
}

// ---------------------------------------------------------------------------
// NewClient
// ---------------------------------------------------------------------------

func TestNewClient_Validation(t *testing.T) {
	_, err := NewClient(" ", WithStaticToken("x"))
	require.ErrorContains(t, err, "bot id")

	_, err = NewClient("bot-1")
	require.ErrorContains(t, err, "token")

	c, err := NewClient("bot-1", WithStaticToken("x"))
	require.NoError(t, err)
	require.Equal(t, defaultTimeout, c.timeout)
}

// ---------------------------------------------------------------------------
// CreateTurn
// ---------------------------------------------------------------------------

func TestCreateTurn_NewConversation(t *testing.T) {
	var gotBody createChatRequest
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, pathChat, r.URL.Path)
		require.Equal(t, "Bearer pat-test", r.Header.Get("Authorization"))
		require.False(t, r.URL.Query().Has("conversation_id"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		writeJSON(w, http.StatusOK, `{"code":0,"data":{"id":"t1","conversation_id":"c1","status":"created"}}`)
	})

	out, err := c.CreateTurn(context.Background(), "u1", "你好", "")
	require.NoError(t, err)
	require.Equal(t, CreatedTurn{TurnID: "t1", ConversationID: "c1"}, out)

	require.Equal(t, "bot-1", gotBody.BotID)
	require.Equal(t, "u1", gotBody.UserID)
	require.False(t, gotBody.Stream)
	require.True(t, gotBody.AutoSaveHistory)
	require.Equal(t, []additionalMessage{{Role: "user", Type: "question", Content: "你好", ContentType: "text"}}, gotBody.AdditionalMessages)
}

func TestCreateTurn_ExistingConversation(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "c9", r.URL.Query().Get("conversation_id"))
		writeJSON(w, http.StatusOK, `{"code":0,"data":{"id":"t2","conversation_id":"c9","status":"in_progress"}}`)
	})
	out, err := c.CreateTurn(context.Background(), "u1", "again", "c9")
	require.NoError(t, err)
	require.Equal(t, "c9", out.ConversationID)
}

func TestCreateTurn_EnvelopeFailureOnHTTP200(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, `{"code":4000,"msg":"bot not published"}`)
	})
	_, err := c.CreateTurn(context.Background(), "u1", "hi", "")
	perr := requireProviderError(t, err, KindEnvelope)
	require.Equal(t, 4000, perr.Code)
	require.Equal(t, "bot not published", perr.Message)
	require.Contains(t, perr.Raw, "bot not published")
}

func TestCreateTurn_HTTPStatusFailure(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusUnauthorized, `{"code":4100,"msg":"token invalid"}`)
	})
	_, err := c.CreateTurn(context.Background(), "u1", "hi", "")
	perr := requireProviderError(t, err, KindStatus)
	require.Equal(t, http.StatusUnauthorized, perr.Code)
	require.Equal(t, "token invalid", perr.Message)
}

func TestCreateTurn_HTTPStatusFailureNonJSON(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = io.WriteString(w, "<html>bad gateway</html>")
	})
	_, err := c.CreateTurn(context.Background(), "u1", "hi", "")
	perr := requireProviderError(t, err, KindStatus)
	require.Equal(t, http.StatusBadGateway, perr.Code)
	require.Equal(t, "Bad Gateway", perr.Message)
	require.Contains(t, perr.Raw, "bad gateway")
}

func TestCreateTurn_MissingIdentifiers(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, `{"code":0,"data":{"id":"t1"}}`)
	})
	_, err := c.CreateTurn(context.Background(), "u1", "hi", "")
	requireProviderError(t, err, KindMalformed)
}

func TestCreateTurn_MalformedEnvelope(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, `{"code":`)
	})
	_, err := c.CreateTurn(context.Background(), "u1", "hi", "")
	requireProviderError(t, err, KindMalformed)
}

func TestCreateTurn_Timeout(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
		writeJSON(w, http.StatusOK, `{"code":0,"data":{"id":"t1","conversation_id":"c1"}}`)
	}, WithTimeout(50*time.Millisecond))

	_, err := c.CreateTurn(context.Background(), "u1", "hi", "")
	perr := requireProviderError(t, err, KindTimeout)
	require.True(t, perr.Timeout())
}

func TestCreateTurn_TransportFailure(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	base := srv.URL
	srv.Close()

	c, err := NewClient("bot-1", WithBaseURL(base), WithStaticToken("x"))
	require.NoError(t, err)
	_, err = c.CreateTurn(context.Background(), "u1", "hi", "")
	requireProviderError(t, err, KindTransport)
}

// ---------------------------------------------------------------------------
// RetrieveTurnStatus
// ---------------------------------------------------------------------------

func TestRetrieveTurnStatus_Mapping(t *testing.T) {
	cases := []struct {
		upstream string
		want     domain.TurnStatus
	}{
		{"created", domain.TurnStatusInProgress},
		{"in_progress", domain.TurnStatusInProgress},
		{"completed", domain.TurnStatusCompleted},
		{"failed", domain.TurnStatusFailed},
		{"canceled", domain.TurnStatusFailed},
	}
	for _, tc := range cases {
		t.Run(tc.upstream, func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				require.Equal(t, pathChatRetrieve, r.URL.Path)
				require.Equal(t, "t1", r.URL.Query().Get("chat_id"))
				require.Equal(t, "c1", r.URL.Query().Get("conversation_id"))
				writeJSON(w, http.StatusOK, `{"code":0,"data":{"id":"t1","conversation_id":"c1","status":"`+tc.upstream+`"}}`)
			})
			got, err := c.RetrieveTurnStatus(context.Background(), "t1", "c1")
			require.NoError(t, err)
			require.Equal(t, tc.want, got)
		})
	}
}

func TestRetrieveTurnStatus_UnknownStatus(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, `{"code":0,"data":{"status":"requires_action"}}`)
	})
	_, err := c.RetrieveTurnStatus(context.Background(), "t1", "c1")
	perr := requireProviderError(t, err, KindMalformed)
	require.Contains(t, perr.Message, "requires_action")
}

// ---------------------------------------------------------------------------
// ListTurnMessages
// ---------------------------------------------------------------------------

func TestListTurnMessages_ResolvesRoles(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, pathMessageList, r.URL.Path)
		writeJSON(w, http.StatusOK, `{"code":0,"data":[
			{"role":"user","type":"question","content":"你好","content_type":"text"},
			{"role":"assistant","type":"answer","content":"你好！","content_type":"text"},
			{"role":"assistant","type":"follow_up","content":"more?","content_type":"text"}
		]}`)
	})
	msgs, err := c.ListTurnMessages(context.Background(), "t1", "c1")
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	require.Equal(t, domain.RoleQuestion, msgs[0].Role)
	require.Equal(t, domain.RoleAnswer, msgs[1].Role)
	require.Equal(t, domain.Content{Text: "你好！", Type: "text"}, msgs[1].Content)
	require.Equal(t, domain.RoleSystem, msgs[2].Role)
}

func TestListTurnMessages_Empty(t *testing.T) {
	for _, body := range []string{`{"code":0,"data":[]}`, `{"code":0,"data":null}`, `{"code":0}`} {
		c := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
			writeJSON(w, http.StatusOK, body)
		})
		msgs, err := c.ListTurnMessages(context.Background(), "t1", "c1")
		require.NoError(t, err, body)
		require.Empty(t, msgs, body)
	}
}

func TestListTurnMessages_ServerError(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusInternalServerError, `{}`)
	})
	_, err := c.ListTurnMessages(context.Background(), "t1", "c1")
	requireProviderError(t, err, KindStatus)
}

// ---------------------------------------------------------------------------
// token resolution
// ---------------------------------------------------------------------------

func TestTokenSource_LoadedOnceAndCached(t *testing.T) {
	tokens := &fakeTokens{token: "pat-from-ssm"}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "Bearer pat-from-ssm", r.Header.Get("Authorization"))
		writeJSON(w, http.StatusOK, `{"code":0,"data":{"status":"in_progress"}}`)
	}))
	t.Cleanup(srv.Close)

	c, err := NewClient("bot-1", WithBaseURL(srv.URL), WithTokenSource(tokens, "/chat-relay/provider-token"))
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, err := c.RetrieveTurnStatus(context.Background(), "t1", "c1")
		require.NoError(t, err)
	}
	require.Equal(t, 1, tokens.calls)
}

func TestTokenSource_FailureIsAuthErrorAndRetried(t *testing.T) {
	tokens := &fakeTokens{err: errors.New("ssm unavailable")}
	c, err := NewClient("bot-1", WithBaseURL("http://127.0.0.1:1"), WithTokenSource(tokens, "p"))
	require.NoError(t, err)

	_, err = c.RetrieveTurnStatus(context.Background(), "t1", "c1")
	perr := requireProviderError(t, err, KindAuth)
	require.ErrorContains(t, perr, "ssm unavailable")

	_, _ = c.RetrieveTurnStatus(context.Background(), "t1", "c1")
	require.Equal(t, 2, tokens.calls)
}

func TestTokenSource_LoadIsBoundedByCallTimeout(t *testing.T) {
	tokens := &fakeTokens{block: true}
	c, err := NewClient("bot-1", WithBaseURL("http://127.0.0.1:1"), WithTokenSource(tokens, "p"), WithTimeout(50*time.Millisecond))
	require.NoError(t, err)

	start := time.Now()
	_, err = c.RetrieveTurnStatus(context.WithoutCancel(context.Background()), "t1", "c1")
	perr := requireProviderError(t, err, KindAuth)
	require.ErrorIs(t, perr, context.DeadlineExceeded)
	require.Less(t, time.Since(start), 5*time.Second)
}
