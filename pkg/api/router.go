package api

import (
	"net/http"
)

// setupRouter registers the routes under BasePath and wraps them in the
// middleware chain, outermost first.
func (s *Server) setupRouter() http.Handler {
	mux := http.NewServeMux()
	s.registerRoutes(mux)
	return s.middlewareChain(mux)
}

func (s *Server) registerRoutes(mux *http.ServeMux) {
	base := s.config.BasePath

	mux.HandleFunc("GET "+base+"/health", s.handleHealth)
	mux.HandleFunc("GET "+base+"/ready", s.handleReady)
	mux.HandleFunc("GET "+base+"/status", s.handleStatus)

	mux.HandleFunc("GET "+base+"/blocks/latest", s.handleLatestBlock)
	mux.HandleFunc("GET "+base+"/blocks/{height}", s.handleBlockByHeight)
	mux.HandleFunc("GET "+base+"/blocks/hash/{hash}", s.handleBlockByHash)
	mux.HandleFunc("GET "+base+"/validators", s.handleValidators)

	mux.HandleFunc("GET "+base+"/mempool", s.handleMempool)
	mux.HandleFunc("GET "+base+"/transactions/{hash}", s.handlePoolTransaction)
	if s.config.EnableTxSubmit {
		mux.HandleFunc("POST "+base+"/transactions", s.handleSubmitTransaction)
	}

	mux.HandleFunc("GET "+base+"/peers", s.handlePeers)
}

func (s *Server) middlewareChain(h http.Handler) http.Handler {
	h = s.middlewareBodyLimit(h)
	h = s.middlewareSecurityHeaders(h)
	h = s.middlewareRateLimit(h)
	h = s.middlewareIPAllowlist(h)
	h = s.middlewareConcurrencyLimit(h)
	h = s.middlewareLogging(h)
	h = s.middlewarePanicRecovery(h)
	h = s.middlewareRequestID(h)
	return h
}
