package session

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/meow-io/go-chime/config"
	"github.com/meow-io/go-chime/wire"
	"go.uber.org/zap"
)

const cookieName = "_aws_wt_session"

// CompletionFunc receives the parsed JSON body of a finished request, or
// the error that prevented one. It always runs on the client event loop.
type CompletionFunc func(node wire.Node, err error)

// A Request is one outbound call. The session cookie is derived from the
// live token at send time, never stored on the request, so a request
// queued across a token renewal picks up the fresh token when replayed.
type Request struct {
	Method string
	URL    string
	Body   []byte
	Done   CompletionFunc

	// Ctx bounds the request; it defaults to the connection context.
	// Room backfills pass their own so leaving a room cancels them.
	Ctx context.Context

	// RawDone, when set instead of Done, receives the unparsed body.
	// The push-channel bootstrap is the one call whose response is not
	// JSON.
	RawDone func(body []byte, err error)

	// noAuthRetry disables 401 interception. Only the renewal call
	// itself sets this; a 401 on renewal is unrecoverable.
	noAuthRetry bool
}

// Transport issues HTTP requests with session-cookie injection. Requests
// failing with 401 are diverted into the owning Manager's renewal path
// before the caller's completion can observe them.
type Transport struct {
	config  *config.Config
	log     *zap.SugaredLogger
	client  *http.Client
	post    func(func())
	token   func() string
	expired func(*Request)
	ctx     context.Context
}

func newTransport(c *config.Config, client *http.Client, ctx context.Context, post func(func()), token func() string, expired func(*Request)) *Transport {
	if client == nil {
		client = &http.Client{Timeout: time.Duration(c.RequestTimeoutMs) * time.Millisecond}
	}
	return &Transport{
		config:  c,
		log:     c.Logger("session/transport"),
		client:  client,
		post:    post,
		token:   token,
		expired: expired,
		ctx:     ctx,
	}
}

// Queue sends req on a worker goroutine and posts its completion to the
// event loop. It never blocks.
func (t *Transport) Queue(req *Request) {
	go t.send(req)
}

func (t *Transport) send(req *Request) {
	ctx := req.Ctx
	if ctx == nil {
		ctx = t.ctx
	}

	var reader io.Reader
	if req.Body != nil {
		reader = bytes.NewReader(req.Body)
	}
	hr, err := http.NewRequestWithContext(ctx, req.Method, req.URL, reader)
	if err != nil {
		t.post(func() { t.fail(req, &NetworkError{err}) })
		return
	}
	if tok := t.token(); tok != "" {
		hr.Header.Set("Cookie", fmt.Sprintf("%s=%s", cookieName, tok))
	}
	if req.Body != nil {
		hr.Header.Set("Content-Type", "application/json")
	}

	resp, err := t.client.Do(hr)
	if err != nil {
		t.post(func() { t.fail(req, &NetworkError{err}) })
		return
	}
	body, err := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if err != nil {
		t.post(func() { t.fail(req, &NetworkError{err}) })
		return
	}

	t.post(func() { t.complete(req, resp, body) })
}

// complete runs on the event loop.
func (t *Transport) complete(req *Request, resp *http.Response, body []byte) {
	if resp.StatusCode == http.StatusUnauthorized && !req.noAuthRetry {
		t.log.Debugf("auth expired for %s %s", req.Method, req.URL)
		t.expired(req)
		return
	}

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		t.fail(req, &RequestFailedError{resp.StatusCode, http.StatusText(resp.StatusCode)})
		return
	}

	if req.RawDone != nil {
		req.RawDone(body, nil)
		return
	}

	mt, _, err := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if err != nil || mt != "application/json" {
		req.Done(wire.Node{}, &BadResponseError{resp.Header.Get("Content-Type")})
		return
	}

	node, err := wire.Parse(body)
	if err != nil {
		req.Done(wire.Node{}, &ParseError{err})
		return
	}
	req.Done(node, nil)
}

func (t *Transport) fail(req *Request, err error) {
	if req.RawDone != nil {
		req.RawDone(nil, err)
		return
	}
	req.Done(wire.Node{}, err)
}

// BuildURL joins a service base URL with a path and query parameters,
// normalizing the slash between them.
func BuildURL(base, path string, query url.Values) string {
	sep := "/"
	if strings.HasSuffix(base, "/") {
		sep = ""
	}
	u := base + sep + strings.TrimPrefix(path, "/")
	if len(query) != 0 {
		u += "?" + query.Encode()
	}
	return u
}
