package api

import (
	"net/http"

	log "github.com/sirupsen/logrus"
	"github.com/ulikunitz/xz"
)

// handleArchive streams the group's member status array as xz-compressed
// CBOR, a compact form for offline inspection.
func (s *Server) handleArchive(w http.ResponseWriter, r *http.Request) {
	g := s.lookup(w, r)
	if g == nil {
		return
	}

	data, err := g.GroupDataCbor()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/x-xz")

	xzw, err := xz.NewWriter(w)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	if _, err := xzw.Write(data); err != nil {
		log.WithError(err).Warn("Writing member status archive failed")
	}
	if err := xzw.Close(); err != nil {
		log.WithError(err).Warn("Closing member status archive failed")
	}
}
