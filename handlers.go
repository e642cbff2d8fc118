package main

import (
	"bytes"
	"errors"
	"net"
	"net/http"
	"net/netip"
	"strings"
)

// fallbackFailureBody is written when even the failure response cannot be encoded.
const fallbackFailureBody = "d14:failure reason21:internal server errore"

// handleAnnounce is the main interaction - a client tells us where it listens
// and asks for a list of other people to connect to.
// Failures are reported inside a 200 response, the way trackers do.
func (s *Server) handleAnnounce(w http.ResponseWriter, r *http.Request) {
	remote := s.remoteAddr(r)

	resp, err := s.svc.HandleQuery(r.URL.RawQuery, remote)
	switch {
	case errors.Is(err, errUnparseableQuery):
		debug("unparseable announce query from %s: %v", remote, err)
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	case err != nil:
		debug("announce rejected from %s: %v", remote, err)
	}

	s.writeResponse(w, resp)
}

func (s *Server) writeResponse(w http.ResponseWriter, resp AnnounceResponse) {
	var buf bytes.Buffer
	if err := encodeAnnounceResponse(&buf, resp); err != nil {
		errorLog("failed to encode announce response: %v", err)
		buf.Reset()
		if err := encodeAnnounceResponse(&buf, failureResponse(internalFailure)); err != nil {
			buf.Reset()
			buf.WriteString(fallbackFailureBody)
		}
	}

	w.Header().Set("Content-Type", "text/plain")
	if _, err := w.Write(buf.Bytes()); err != nil {
		debug("failed to write announce response: %v", err)
	}
}

// handleHealth answers liveness probes.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	if _, err := w.Write([]byte("ok\n")); err != nil {
		debug("failed to write health response: %v", err)
	}
}

// remoteAddr returns the address the announce came from. Behind a trusted
// reverse proxy the client is the first Forwarded "for" hop, or failing that
// the first X-Forwarded-For hop.
func (s *Server) remoteAddr(r *http.Request) string {
	if s.cfg.trustProxy {
		if ip, ok := forwardedFor(r.Header.Get("Forwarded")); ok {
			return ip.String()
		}
		if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
			first, _, _ := strings.Cut(fwd, ",")
			if first = strings.TrimSpace(first); net.ParseIP(first) != nil {
				return first
			}
		}
	}
	return r.RemoteAddr
}

// forwardedFor extracts the client address from the first element of an
// RFC 7239 Forwarded header. Obfuscated and "unknown" nodes are not addresses.
func forwardedFor(header string) (netip.Addr, bool) {
	if header == "" {
		return netip.Addr{}, false
	}
	first, _, _ := strings.Cut(header, ",")
	for _, pair := range strings.Split(first, ";") {
		key, value, ok := strings.Cut(strings.TrimSpace(pair), "=")
		if !ok || !strings.EqualFold(key, "for") {
			continue
		}
		node := strings.Trim(value, `"`)
		if ap, err := netip.ParseAddrPort(node); err == nil {
			return ap.Addr(), true
		}
		node = strings.TrimSuffix(strings.TrimPrefix(node, "["), "]")
		if ip, err := netip.ParseAddr(node); err == nil {
			return ip, true
		}
		return netip.Addr{}, false
	}
	return netip.Addr{}, false
}

// recoverFailure keeps a panicking handler from tearing down the connection
// without an answer: the client gets an in-band internal failure.
func (s *Server) recoverFailure(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if v := recover(); v != nil {
				if v == http.ErrAbortHandler {
					panic(v)
				}
				errorLog("panic serving %s %s: %v", r.Method, r.URL.Path, v)
				s.writeResponse(w, failureResponse(internalFailure))
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// routes builds the tracker's HTTP handler.
func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /announce", s.handleAnnounce)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	return s.recoverFailure(mux)
}
