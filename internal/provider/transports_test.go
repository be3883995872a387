package provider

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// SparkPost
// =============================================================================

func TestSparkPost_SendMessage(t *testing.T) {
	var got map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/transmissions", r.URL.Path)
		assert.Equal(t, "sp-key", r.Header.Get("Authorization"))
		body, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(body, &got))
		w.Write([]byte(`{"results":{"id":"sp-123","total_accepted_recipients":1}}`))
	}))
	defer srv.Close()

	sp := NewSparkPost("sp-key", srv.URL, 0)
	msg := testMessage()
	msg.Attachments = []Attachment{{Filename: "a.txt", ContentType: "text/plain", Data: []byte("hi")}}
	receipt, err := sp.SendMessage(context.Background(), msg)
	require.NoError(t, err)
	assert.Equal(t, "sp-123", receipt.MessageID)

	content := got["content"].(map[string]interface{})
	assert.Equal(t, "Hello", content["subject"])
	atts := content["attachments"].([]interface{})
	require.Len(t, atts, 1)
	assert.Equal(t, "aGk=", atts[0].(map[string]interface{})["data"])
}

func TestSparkPost_ErrorStatus(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		temporary bool
	}{
		{"rate limited", http.StatusTooManyRequests, true},
		{"server error", http.StatusBadGateway, true},
		{"invalid recipient", http.StatusUnprocessableEntity, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(`{"errors":[{"message":"nope"}]}`))
			}))
			defer srv.Close()

			_, err := NewSparkPost("k", srv.URL, 0).SendMessage(context.Background(), testMessage())
			var se *SendError
			require.True(t, errors.As(err, &se))
			assert.Equal(t, tt.status, se.StatusCode)
			assert.Equal(t, tt.temporary, se.Temporary())
		})
	}
}

func TestSparkPost_NotConfigured(t *testing.T) {
	_, err := NewSparkPost("", "", 0).SendMessage(context.Background(), testMessage())
	assert.ErrorIs(t, err, ErrNotConfigured)
}

// =============================================================================
// SendGrid
// =============================================================================

func TestSendGrid_SendMessage(t *testing.T) {
	var payload map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v3/mail/send", r.URL.Path)
		assert.Equal(t, "Bearer sg-key", r.Header.Get("Authorization"))
		body, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(body, &payload))
		w.Header().Set("X-Message-Id", "sg-456")
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	msg := testMessage()
	msg.Metadata = map[string]string{"campaign_id": "c1"}
	receipt, err := NewSendGrid("sg-key", srv.URL).SendMessage(context.Background(), msg)
	require.NoError(t, err)
	assert.Equal(t, "sg-456", receipt.MessageID)
	assert.Equal(t, "Hello", payload["subject"])
}

func TestSendGrid_Rejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"errors":[{"message":"bad to"}]}`))
	}))
	defer srv.Close()

	_, err := NewSendGrid("sg-key", srv.URL).SendMessage(context.Background(), testMessage())
	var se *SendError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, http.StatusBadRequest, se.StatusCode)
}

// =============================================================================
// Mailgun
// =============================================================================

func TestMailgun_SendMessage(t *testing.T) {
	var form map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v3/mg.example.com/messages", r.URL.Path)
		user, pass, ok := r.BasicAuth()
		assert.True(t, ok)
		assert.Equal(t, "api", user)
		assert.Equal(t, "mg-key", pass)
		require.NoError(t, r.ParseMultipartForm(1<<20))
		form = map[string]string{
			"from":      r.FormValue("from"),
			"to":        r.FormValue("to"),
			"subject":   r.FormValue("subject"),
			"html":      r.FormValue("html"),
			"v:batch":   r.FormValue("v:batch"),
			"h:X-Trace": r.FormValue("h:X-Trace"),
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id":"<mg-789@mg.example.com>","message":"Queued. Thank you."}`))
	}))
	defer srv.Close()

	msg := testMessage()
	msg.HTML = "<p>Hi</p>"
	msg.Metadata = map[string]string{"batch": "b1"}
	msg.Headers = map[string]string{"X-Trace": "t-1"}
	receipt, err := NewMailgun("mg.example.com", "mg-key", srv.URL+"/v3").SendMessage(context.Background(), msg)
	require.NoError(t, err)
	assert.Equal(t, "<mg-789@mg.example.com>", receipt.MessageID)
	assert.Equal(t, "Hello", form["subject"])
	assert.Equal(t, msg.To.String(), form["to"])
	assert.Equal(t, msg.From.String(), form["from"])
	assert.Equal(t, "<p>Hi</p>", form["html"])
	assert.Equal(t, "b1", form["v:batch"])
	assert.Equal(t, "t-1", form["h:X-Trace"])
}

func TestMailgun_Rejected(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		temporary bool
	}{
		{"bad request", http.StatusBadRequest, false},
		{"rate limited", http.StatusTooManyRequests, true},
		{"unavailable", http.StatusServiceUnavailable, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(`{"message":"'to' parameter is not a valid address"}`))
			}))
			defer srv.Close()

			_, err := NewMailgun("mg.example.com", "mg-key", srv.URL+"/v3").SendMessage(context.Background(), testMessage())
			var se *SendError
			require.True(t, errors.As(err, &se))
			assert.Equal(t, "mailgun", se.Provider)
			assert.Equal(t, tt.status, se.StatusCode)
			assert.Contains(t, se.Body, "not a valid address")
			assert.Equal(t, tt.temporary, se.Temporary())
		})
	}
}

func TestMailgun_NotConfigured(t *testing.T) {
	_, err := NewMailgun("", "mg-key", "").SendMessage(context.Background(), testMessage())
	assert.ErrorIs(t, err, ErrNotConfigured)
}

// =============================================================================
// SES
// =============================================================================

type fakeSES struct {
	input *sesv2.SendEmailInput
	err   error
}

func (f *fakeSES) SendEmail(ctx context.Context, in *sesv2.SendEmailInput, _ ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error) {
	f.input = in
	if f.err != nil {
		return nil, f.err
	}
	return &sesv2.SendEmailOutput{MessageId: aws.String("ses-789")}, nil
}

func TestSES_SimpleAndRaw(t *testing.T) {
	api := &fakeSES{}
	s := NewSES(api)

	receipt, err := s.SendMessage(context.Background(), testMessage())
	require.NoError(t, err)
	assert.Equal(t, "ses-789", receipt.MessageID)
	require.NotNil(t, api.input.Content.Simple)
	assert.Nil(t, api.input.Content.Raw)

	msg := testMessage()
	msg.Attachments = []Attachment{{Filename: "report.pdf", ContentType: "application/pdf", Data: []byte("%PDF")}}
	_, err = s.SendMessage(context.Background(), msg)
	require.NoError(t, err)
	require.NotNil(t, api.input.Content.Raw)
	assert.Contains(t, string(api.input.Content.Raw.Data), `filename=report.pdf`)
}

func TestSES_Error(t *testing.T) {
	_, err := NewSES(&fakeSES{err: errors.New("throttled")}).SendMessage(context.Background(), testMessage())
	var se *SendError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, "ses", se.Provider)
}

// =============================================================================
// MIME
// =============================================================================

func TestBuildMIME(t *testing.T) {
	msg := testMessage()
	msg.HTML = "<p>hi</p>"
	msg.ReplyTo = "support@acme.test"
	msg.Headers = map[string]string{"X-Campaign-ID": "c1"}

	raw, err := BuildMIME(msg, "abc@test")
	require.NoError(t, err)
	s := string(raw)

	assert.Contains(t, s, "Message-ID: <abc@test>\r\n")
	assert.Contains(t, s, "Reply-To: support@acme.test\r\n")
	assert.Contains(t, s, "X-Campaign-ID: c1\r\n")
	assert.Contains(t, s, "multipart/alternative")
	assert.Contains(t, s, "text/plain; charset=UTF-8")
	assert.Contains(t, s, "text/html; charset=UTF-8")
	assert.NotContains(t, s, "multipart/mixed")
}

// =============================================================================
// Pooled SMTP
// =============================================================================

// fakeSMTPServer accepts connections and records every DATA payload.
type fakeSMTPServer struct {
	ln       net.Listener
	mu       sync.Mutex
	conns    int
	messages []string
	rejectTo string
}

func newFakeSMTPServer(t *testing.T) *fakeSMTPServer {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	s := &fakeSMTPServer{ln: ln}
	go s.serve()
	t.Cleanup(func() { ln.Close() })
	return s
}

func (s *fakeSMTPServer) hostPort() (string, int) {
	host, port, _ := net.SplitHostPort(s.ln.Addr().String())
	p, _ := strconv.Atoi(port)
	return host, p
}

func (s *fakeSMTPServer) serve() {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return
		}
		s.mu.Lock()
		s.conns++
		s.mu.Unlock()
		go s.handle(conn)
	}
}

func (s *fakeSMTPServer) handle(conn net.Conn) {
	defer conn.Close()
	r := bufio.NewReader(conn)
	reply := func(line string) { conn.Write([]byte(line + "\r\n")) }
	reply("220 fake ESMTP")
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return
		}
		cmd := strings.ToUpper(strings.TrimSpace(line))
		switch {
		case strings.HasPrefix(cmd, "EHLO"), strings.HasPrefix(cmd, "HELO"):
			reply("250 fake")
		case strings.HasPrefix(cmd, "RCPT TO"):
			s.mu.Lock()
			reject := s.rejectTo != "" && strings.Contains(strings.ToLower(cmd), s.rejectTo)
			s.mu.Unlock()
			if reject {
				reply("550 no such user")
			} else {
				reply("250 ok")
			}
		case strings.HasPrefix(cmd, "DATA"):
			reply("354 go ahead")
			var data strings.Builder
			for {
				l, err := r.ReadString('\n')
				if err != nil {
					return
				}
				if l == ".\r\n" {
					break
				}
				data.WriteString(l)
			}
			s.mu.Lock()
			s.messages = append(s.messages, data.String())
			s.mu.Unlock()
			reply("250 queued")
		case strings.HasPrefix(cmd, "QUIT"):
			reply("221 bye")
			return
		default:
			reply("250 ok")
		}
	}
}

func TestSMTP_ReusesPooledConnections(t *testing.T) {
	srv := newFakeSMTPServer(t)
	host, port := srv.hostPort()
	s := NewSMTP(SMTPConfig{Host: host, Port: port, PoolSize: 2})
	defer s.Close()

	for i := 0; i < 5; i++ {
		receipt, err := s.SendMessage(context.Background(), testMessage())
		require.NoError(t, err)
		assert.NotEmpty(t, receipt.MessageID)
	}

	srv.mu.Lock()
	defer srv.mu.Unlock()
	assert.Len(t, srv.messages, 5)
	assert.Equal(t, 1, srv.conns, "sequential sends should reuse one connection")
	assert.Contains(t, srv.messages[0], "Subject: Hello")
}

func TestSMTP_RejectedRecipientDropsConnection(t *testing.T) {
	srv := newFakeSMTPServer(t)
	srv.rejectTo = "jane@example.com"
	host, port := srv.hostPort()
	s := NewSMTP(SMTPConfig{Host: host, Port: port, PoolSize: 1})
	defer s.Close()

	_, err := s.SendMessage(context.Background(), testMessage())
	var se *SendError
	require.True(t, errors.As(err, &se))
	assert.Contains(t, se.Error(), "RCPT TO")
	assert.Equal(t, 0, s.Idle())
}

func TestSMTP_NotConfigured(t *testing.T) {
	_, err := NewSMTP(SMTPConfig{}).SendMessage(context.Background(), testMessage())
	assert.ErrorIs(t, err, ErrNotConfigured)
}
