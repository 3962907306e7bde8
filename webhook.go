package main

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/utilitywarehouse/github-mirror/mirror"
)

// pushPayload is the part of a GitHub push event payload this service
// reads, everything else in the delivery is ignored.
type pushPayload struct {
	Repository struct {
		Name string `json:"name"`
		URL  string `json:"url"`
	} `json:"repository"`
}

// updateDispatcher is the async trigger surface of the update dispatcher.
type updateDispatcher interface {
	Dispatch(names ...string)
}

// webhookHandler accepts GitHub push deliveries on any path and turns them
// into mirror update requests. Config is loaded per request so allowlist
// and mirror edits take effect immediately.
type webhookHandler struct {
	loadConfig func() (*mirror.Config, error)
	dispatcher updateDispatcher
	log        *slog.Logger
}

func (wh *webhookHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	cfg, err := wh.loadConfig()
	if err != nil {
		wh.log.Error("unable to load config", "err", err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	if !cfg.AllowsIP(r.RemoteAddr) {
		wh.log.Error("rejecting connection from restricted address", "remote", r.RemoteAddr)
		wh.closeConnection(w)
		return
	}

	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		wh.log.Error("cannot read request body", "err", err)
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	// GitHub signs the raw request body, before any form decoding
	if cfg.WebhookSecret != "" &&
		!wh.isValidSignature(body, r.Header.Get("X-Hub-Signature-256"), cfg.WebhookSecret) {
		wh.log.Error("invalid signature")
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	payload := rawPayload(body, r.Header.Get("Content-Type"))

	// senders cannot act on delivery problems so the response never
	// depends on what the payload resolves to
	w.Header().Set("Content-Type", "text/plain")
	w.Write([]byte("Ok, thanks!"))

	go wh.processPayload(cfg, r.Header.Get("X-GitHub-Event"), payload)
}

// closeConnection drops the underlying TCP connection without writing an
// HTTP response.
func (wh *webhookHandler) closeConnection(w http.ResponseWriter) {
	hj, ok := w.(http.Hijacker)
	if !ok {
		// HTTP/2 cannot hand over the raw connection, abort the stream
		panic(http.ErrAbortHandler)
	}
	conn, _, err := hj.Hijack()
	if err != nil {
		panic(http.ErrAbortHandler)
	}
	conn.Close()
}

// rawPayload returns the JSON document of a delivery: the whole body for
// JSON deliveries, otherwise the form-encoded "payload" field.
func rawPayload(body []byte, contentType string) []byte {
	if strings.HasPrefix(contentType, "application/json") {
		return body
	}

	values, err := url.ParseQuery(string(body))
	if err != nil {
		return nil
	}
	if p := values.Get("payload"); p != "" {
		return []byte(p)
	}
	return nil
}

func (wh *webhookHandler) isValidSignature(message []byte, signature, secret string) bool {
	return hmac.Equal([]byte(signature), []byte(wh.computeHMAC(message, secret)))
}

func (wh *webhookHandler) computeHMAC(message []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))

	if _, err := mac.Write(message); err != nil {
		wh.log.Error("cannot compute hmac for request", "err", err)
		return ""
	}

	// GH adds `sha256=` prefix in header value
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func (wh *webhookHandler) processPayload(cfg *mirror.Config, event string, payload []byte) {
	// only push events carry a change worth mirroring, senders that set no
	// event header are treated as pushes
	if event != "" && event != "push" {
		return
	}

	if len(payload) == 0 {
		wh.log.Error("webhook delivery carried no payload")
		return
	}

	var p pushPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		wh.log.Error("cannot unmarshal json payload", "err", err)
		return
	}

	names := cfg.MirrorsFor(p.Repository.URL)
	if len(names) == 0 {
		wh.log.Info("no mirror configured for reported repository",
			"repo", p.Repository.Name, "url", p.Repository.URL)
		return
	}

	wh.log.Debug("dispatching update for webhook delivery",
		"repo", p.Repository.Name, "mirrors", names)
	wh.dispatcher.Dispatch(names...)
}
