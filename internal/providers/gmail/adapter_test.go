package gmail

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"

	"github.com/Martian-dev/mailsync/internal/sync"
)

func b64url(s string) string {
	return base64.URLEncoding.EncodeToString([]byte(s))
}

type fakeGmail struct {
	*httptest.Server
	sent        map[string]any
	watchCalls  int
	historyGone bool
}

func newFakeGmail(t *testing.T) *fakeGmail {
	t.Helper()
	f := &fakeGmail{}
	mux := http.NewServeMux()

	mux.HandleFunc("GET /gmail/v1/users/me/messages/{id}", func(w http.ResponseWriter, r *http.Request) {
		if r.PathValue("id") != "m1" {
			http.Error(w, `{"error":{"code":404,"message":"Not Found"}}`, http.StatusNotFound)
			return
		}
		writeJSON(w, map[string]any{
			"id":           "m1",
			"threadId":     "t1",
			"internalDate": "1700000000000",
			"payload": map[string]any{
				"mimeType": "multipart/mixed",
				"headers": []map[string]string{
					{"name": "From", "value": "Alice <alice@example.com>"},
					{"name": "To", "value": "ops@example.com, Bob <bob@example.com>"},
					{"name": "Cc", "value": "carol@example.com"},
					{"name": "Subject", "value": "=?UTF-8?B?SGVsbG8gw6lxdWlwZQ==?="},
					{"name": "Message-ID", "value": "<abc@mail.example.com>"},
				},
				"parts": []map[string]any{
					{
						"mimeType": "multipart/alternative",
						"parts": []map[string]any{
							{"mimeType": "text/plain", "body": map[string]any{"data": b64url("plain body")}},
							{"mimeType": "text/html", "body": map[string]any{"data": b64url("<p>html body</p>")}},
						},
					},
					{"mimeType": "application/pdf", "filename": "quote.pdf", "body": map[string]any{"attachmentId": "att1"}},
					{"mimeType": "image/png", "filename": "broken.png", "body": map[string]any{"attachmentId": "att-missing"}},
					{"mimeType": "text/csv", "filename": "inline.csv", "body": map[string]any{"data": b64url("a,b")}},
				},
			},
		})
	})

	mux.HandleFunc("GET /gmail/v1/users/me/messages/{id}/attachments/{att}", func(w http.ResponseWriter, r *http.Request) {
		if r.PathValue("att") != "att1" {
			http.Error(w, `{"error":{"code":403,"message":"forbidden"}}`, http.StatusForbidden)
			return
		}
		writeJSON(w, map[string]any{"data": b64url("%PDF-1.4")})
	})

	mux.HandleFunc("GET /gmail/v1/users/me/history", func(w http.ResponseWriter, r *http.Request) {
		if f.historyGone {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusNotFound)
			fmt.Fprint(w, `{"error":{"code":404,"message":"Requested entity was not found."}}`)
			return
		}
		assert.Equal(t, "100", r.URL.Query().Get("startHistoryId"))
		assert.Equal(t, "messageAdded", r.URL.Query().Get("historyTypes"))

		if r.URL.Query().Get("pageToken") == "" {
			writeJSON(w, map[string]any{
				"history": []map[string]any{
					{"id": "101", "messagesAdded": []map[string]any{{"message": map[string]any{"id": "m1", "labelIds": []string{"INBOX"}}}}},
					{"id": "101", "messagesAdded": []map[string]any{{"message": map[string]any{"id": "m1", "labelIds": []string{"INBOX"}}}}},
				},
				"historyId":     "101",
				"nextPageToken": "p2",
			})
			return
		}
		writeJSON(w, map[string]any{
			"history": []map[string]any{
				{"id": "102", "messagesAdded": []map[string]any{
					{"message": map[string]any{"id": "m2", "labelIds": []string{"INBOX", "UNREAD"}}},
					{"message": map[string]any{"id": "m3", "labelIds": []string{"SENT"}}},
				}},
			},
			"historyId": "105",
		})
	})

	mux.HandleFunc("POST /gmail/v1/users/me/watch", func(w http.ResponseWriter, r *http.Request) {
		f.watchCalls++
		var req map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "projects/p/topics/mail", req["topicName"])
		writeJSON(w, map[string]any{"historyId": "900", "expiration": "1700000000000"})
	})

	mux.HandleFunc("POST /gmail/v1/users/me/messages/send", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&f.sent))
		writeJSON(w, map[string]any{"id": "sent-1", "threadId": "t1"})
	})

	mux.HandleFunc("GET /gmail/v1/users/me/profile", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{"emailAddress": "ops@example.com", "historyId": "900"})
	})

	f.Server = httptest.NewServer(mux)
	t.Cleanup(f.Close)
	return f
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func newTestAdapter(f *fakeGmail) *Adapter {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return New(Options{
		TopicName: "projects/p/topics/mail",
		Logger:    log,
		ClientOptions: []option.ClientOption{
			option.WithEndpoint(f.URL + "/"),
			option.WithHTTPClient(f.Client()),
		},
	})
}

func mailbox() sync.Mailbox {
	return sync.Mailbox{AccountID: "acc-1", Address: "ops@example.com", AccessToken: "tok", HistoryID: "100"}
}

func TestFetchMessage(t *testing.T) {
	f := newFakeGmail(t)
	a := newTestAdapter(f)

	msg, err := a.FetchMessage(context.Background(), mailbox(), "m1")
	require.NoError(t, err)

	assert.Equal(t, "m1", msg.ProviderMessageID)
	assert.Equal(t, "t1", msg.ProviderThreadID)
	assert.Equal(t, "abc@mail.example.com", msg.InternetMessageID)
	assert.Equal(t, "alice@example.com", msg.From)
	assert.Equal(t, []string{"ops@example.com", "bob@example.com"}, msg.To)
	assert.Equal(t, []string{"carol@example.com"}, msg.Cc)
	assert.Equal(t, "Hello équipe", msg.Subject)
	assert.Equal(t, "plain body", msg.BodyText)
	assert.Equal(t, "<p>html body</p>", msg.BodyHTML)
	assert.Equal(t, time.UnixMilli(1700000000000).UTC(), msg.ReceivedAt)

	// The failing attachment is dropped, the others survive
	require.Len(t, msg.Attachments, 2)
	assert.Equal(t, "quote.pdf", msg.Attachments[0].Filename)
	assert.Equal(t, "application/pdf", msg.Attachments[0].MimeType)
	assert.Equal(t, base64.StdEncoding.EncodeToString([]byte("%PDF-1.4")), msg.Attachments[0].Base64)
	assert.Equal(t, "inline.csv", msg.Attachments[1].Filename)
}

func TestFetchMessageNotFound(t *testing.T) {
	f := newFakeGmail(t)
	a := newTestAdapter(f)

	_, err := a.FetchMessage(context.Background(), mailbox(), "nope")
	assert.ErrorIs(t, err, sync.ErrProviderFetchFailed)
}

func TestListNewMessageIDsDedupsAcrossPages(t *testing.T) {
	f := newFakeGmail(t)
	a := newTestAdapter(f)

	page, err := a.ListNewMessageIDs(context.Background(), mailbox(), "100")
	require.NoError(t, err)
	assert.Equal(t, []string{"m1", "m2"}, page.MessageIDs)
	assert.Equal(t, "105", page.NextCursor)
}

func TestListNewMessageIDsExpiredCursor(t *testing.T) {
	f := newFakeGmail(t)
	f.historyGone = true
	a := newTestAdapter(f)

	_, err := a.ListNewMessageIDs(context.Background(), mailbox(), "100")
	assert.ErrorIs(t, err, sync.ErrCursorExpired)

	_, err = a.ListNewMessageIDs(context.Background(), mailbox(), "not-a-number")
	assert.Error(t, err)
}

func TestEnsureWatch(t *testing.T) {
	f := newFakeGmail(t)
	a := newTestAdapter(f)
	ctx := context.Background()

	// First watch adopts the returned history id
	mb := mailbox()
	mb.HistoryID = ""
	state, err := a.EnsureWatch(ctx, mb, sync.WatchOptions{})
	require.NoError(t, err)
	assert.Equal(t, "900", state.HistoryID)
	assert.True(t, state.Renewed)
	require.NotNil(t, state.ExpiresAt)

	// A fresh watch is left alone
	exp := time.Now().Add(6 * 24 * time.Hour)
	mb = mailbox()
	mb.WatchExpiresAt = &exp
	state, err = a.EnsureWatch(ctx, mb, sync.WatchOptions{})
	require.NoError(t, err)
	assert.False(t, state.Renewed)
	assert.Empty(t, state.HistoryID)
	assert.Equal(t, 1, f.watchCalls)

	// A forced renewal reports no cursor, so the stored one is never overwritten
	state, err = a.EnsureWatch(ctx, mb, sync.WatchOptions{Force: true})
	require.NoError(t, err)
	assert.True(t, state.Renewed)
	assert.Empty(t, state.HistoryID)
	assert.Equal(t, 2, f.watchCalls)
}

func TestSendReply(t *testing.T) {
	f := newFakeGmail(t)
	a := newTestAdapter(f)

	id, err := a.SendReply(context.Background(), mailbox(), sync.Reply{
		ReplyContext: sync.ReplyContext{
			ThreadID:          "t1",
			OriginalMessageID: "m1",
			InternetMessageID: "abc@mail.example.com",
			To:                []string{"alice@example.com"},
		},
		Subject: "Re: Hello",
		Body:    "Thanks, we are on it.",
	})
	require.NoError(t, err)
	assert.Equal(t, "sent-1", id)
	assert.Equal(t, "t1", f.sent["threadId"])

	raw, err := base64.URLEncoding.DecodeString(f.sent["raw"].(string))
	require.NoError(t, err)
	text := string(raw)
	assert.Contains(t, text, "In-Reply-To: <abc@mail.example.com>")
	assert.Contains(t, text, "References: <abc@mail.example.com>")
	assert.Contains(t, text, "Subject: Re: Hello")
	assert.Contains(t, text, "alice@example.com")
	assert.True(t, bytes.Contains(raw, []byte("Thanks, we are on it.")))
}

func TestCheckReplyContext(t *testing.T) {
	a := New(Options{})

	err := a.CheckReplyContext(sync.ReplyContext{To: []string{"a@x.io"}})
	assert.ErrorIs(t, err, sync.ErrMissingThreadContext)

	err = a.CheckReplyContext(sync.ReplyContext{ThreadID: "t1"})
	assert.ErrorIs(t, err, sync.ErrMissingThreadContext)

	assert.NoError(t, a.CheckReplyContext(sync.ReplyContext{ThreadID: "t1", To: []string{"a@x.io"}}))
}

func TestMailboxAddress(t *testing.T) {
	f := newFakeGmail(t)
	a := newTestAdapter(f)

	addr, err := a.MailboxAddress(context.Background(), "tok")
	require.NoError(t, err)
	assert.Equal(t, "ops@example.com", addr)
}

func TestSplitAddrs(t *testing.T) {
	assert.Nil(t, splitAddrs(""))
	assert.Equal(t, []string{"a@x.io", "b@y.io"}, splitAddrs(" a@x.io , Bee <b@y.io>,"))
}
