package peerlink

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"pkt.systems/pslog"
)

type offerBody struct {
	Local  string `json:"local"`
	Target string `json:"target"`
	SDP    string `json:"sdp"`
}

type answerBody struct {
	Offerer string `json:"offerer"`
	Local   string `json:"local"`
	SDP     string `json:"sdp"`
}

type pollBody struct {
	Signals []SignalMessage `json:"signals"`
}

// SignalingHandler relays offers and answers through s over HTTP:
//
//	POST offer    {"local","target","sdp"}
//	POST answer   {"offerer","local","sdp"}
//	GET  offers?local=ID
//	GET  answers?local=ID
//
// Mount it under a prefix with http.StripPrefix.
func SignalingHandler(s Signaler) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /offer", func(w http.ResponseWriter, r *http.Request) {
		var body offerBody
		if !decodeSignal(w, r, &body) {
			return
		}
		if body.Local == "" || body.Target == "" || body.SDP == "" {
			http.Error(w, "local, target and sdp are required", http.StatusBadRequest)
			return
		}
		if err := s.PublishOffer(r.Context(), body.Local, body.Target, body.SDP); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		pslog.Ctx(r.Context()).Debug("peerlink offer relayed", "from", body.Local, "to", body.Target)
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("POST /answer", func(w http.ResponseWriter, r *http.Request) {
		var body answerBody
		if !decodeSignal(w, r, &body) {
			return
		}
		if body.Offerer == "" || body.Local == "" || body.SDP == "" {
			http.Error(w, "offerer, local and sdp are required", http.StatusBadRequest)
			return
		}
		if err := s.PublishAnswer(r.Context(), body.Offerer, body.Local, body.SDP); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		pslog.Ctx(r.Context()).Debug("peerlink answer relayed", "from", body.Local, "to", body.Offerer)
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("GET /offers", func(w http.ResponseWriter, r *http.Request) {
		pollSignals(w, r, s.PollOffers)
	})
	mux.HandleFunc("GET /answers", func(w http.ResponseWriter, r *http.Request) {
		pollSignals(w, r, s.PollAnswers)
	})
	return mux
}

func decodeSignal(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(io.LimitReader(r.Body, 1<<20))
	if err := dec.Decode(v); err != nil {
		http.Error(w, "invalid signal body: "+err.Error(), http.StatusBadRequest)
		return false
	}
	return true
}

func pollSignals(w http.ResponseWriter, r *http.Request, poll func(context.Context, string) ([]SignalMessage, error)) {
	local := strings.TrimSpace(r.URL.Query().Get("local"))
	if local == "" {
		http.Error(w, "local is required", http.StatusBadRequest)
		return
	}
	signals, err := poll(r.Context(), local)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if signals == nil {
		signals = []SignalMessage{}
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(pollBody{Signals: signals})
}

var _ Signaler = (*HTTPSignaler)(nil)

// HTTPSignaler talks to a SignalingHandler mounted at BaseURL.
type HTTPSignaler struct {
	BaseURL string
	Client  *http.Client
}

func (s *HTTPSignaler) PublishOffer(ctx context.Context, local, target, sdp string) error {
	return s.post(ctx, "offer", offerBody{Local: local, Target: target, SDP: sdp})
}

func (s *HTTPSignaler) PublishAnswer(ctx context.Context, offerer, local, sdp string) error {
	return s.post(ctx, "answer", answerBody{Offerer: offerer, Local: local, SDP: sdp})
}

func (s *HTTPSignaler) PollOffers(ctx context.Context, local string) ([]SignalMessage, error) {
	return s.poll(ctx, "offers", local)
}

func (s *HTTPSignaler) PollAnswers(ctx context.Context, local string) ([]SignalMessage, error) {
	return s.poll(ctx, "answers", local)
}

func (s *HTTPSignaler) client() *http.Client {
	if s.Client != nil {
		return s.Client
	}
	return http.DefaultClient
}

func (s *HTTPSignaler) endpoint(name string) string {
	return strings.TrimRight(s.BaseURL, "/") + "/" + name
}

func (s *HTTPSignaler) post(ctx context.Context, name string, body any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint(name), bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.client().Do(req)
	if err != nil {
		return fmt.Errorf("peerlink: publish %s: %w", name, err)
	}
	defer resp.Body.Close()
	return checkSignalStatus(name, resp)
}

func (s *HTTPSignaler) poll(ctx context.Context, name, local string) ([]SignalMessage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.endpoint(name)+"?local="+url.QueryEscape(local), nil)
	if err != nil {
		return nil, err
	}
	resp, err := s.client().Do(req)
	if err != nil {
		return nil, fmt.Errorf("peerlink: poll %s: %w", name, err)
	}
	defer resp.Body.Close()
	if err := checkSignalStatus(name, resp); err != nil {
		return nil, err
	}
	var body pollBody
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("peerlink: poll %s: %w", name, err)
	}
	return body.Signals, nil
}

func checkSignalStatus(name string, resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return fmt.Errorf("peerlink: %s: status %d: %s", name, resp.StatusCode, strings.TrimSpace(string(msg)))
}

// SignalingURL derives the signaling base URL from a peer websocket URL:
// ws://host:port/peer becomes http://host:port/api/signal.
func SignalingURL(peerURL, websocketPath string) (string, error) {
	u, err := url.Parse(peerURL)
	if err != nil {
		return "", fmt.Errorf("peerlink: peer url: %w", err)
	}
	switch u.Scheme {
	case "ws":
		u.Scheme = "http"
	case "wss":
		u.Scheme = "https"
	default:
		return "", fmt.Errorf("peerlink: unsupported peer url scheme %q", u.Scheme)
	}
	base := u.Path
	if websocketPath != "" && strings.HasSuffix(base, websocketPath) {
		base = strings.TrimSuffix(base, websocketPath)
	}
	u.Path = strings.TrimRight(base, "/") + SignalingPath
	u.RawQuery = ""
	return u.String(), nil
}

// SignalingPath is where servers mount SignalingHandler.
const SignalingPath = "/api/signal"
