/*
   mailkeys - mail identity key cache
   Copyright (C) 2026  The mailkeys Authors

   This program is free software: you can redistribute it and/or modify
   it under the terms of the GNU Affero General Public License as published by
   the Free Software Foundation, version 3.

   This program is distributed in the hope that it will be useful,
   but WITHOUT ANY WARRANTY; without even the implied warranty of
   MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
   GNU Affero General Public License for more details.

   You should have received a copy of the GNU Affero General Public License
   along with this program.  If not, see <http://www.gnu.org/licenses/>.
*/

package server

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"

	"github.com/julienschmidt/httprouter"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"mailkeys/keycache"
	"mailkeys/keys"
	"mailkeys/server/jsonkeys"
)

func httpError(w http.ResponseWriter, statusCode int, err error) {
	if statusCode != http.StatusNotFound {
		log.Errorf("HTTP %d: %+v", statusCode, err)
	}
	http.Error(w, http.StatusText(statusCode), statusCode)
}

func writeJSON(w http.ResponseWriter, statusCode int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	err := json.NewEncoder(w).Encode(v)
	if err != nil {
		log.Errorf("failed to write JSON response: %v", err)
	}
}

// Handler serves the key cache resolution API over HTTP.
type Handler struct {
	cache *keycache.Cache

	maxImportLength int64
}

type HandlerOption func(h *Handler) error

func MaxImportLength(n int64) HandlerOption {
	return func(h *Handler) error {
		if n <= 0 {
			return errors.Errorf("invalid import length limit %d", n)
		}
		h.maxImportLength = n
		return nil
	}
}

func NewHandler(cache *keycache.Cache, options ...HandlerOption) (*Handler, error) {
	h := &Handler{
		cache:           cache,
		maxImportLength: DefaultMaxImportLength,
	}
	for _, option := range options {
		err := option(h)
		if err != nil {
			return nil, errors.WithStack(err)
		}
	}
	return h, nil
}

func (h *Handler) Register(r *httprouter.Router) {
	r.GET("/keys/public", h.PublicKey)
	r.GET("/keys/signing", h.SigningKey)
	r.POST("/keys/encryption", h.EncryptionKeys)
	r.GET("/keys/fpr/:fpr", h.ByFingerprint)
	r.POST("/keys/fpr/:fpr/update", h.Update)
	r.GET("/keys/overrides", h.Overrides)
	r.GET("/keys/ultimate", h.UltimateKeys)
	r.POST("/keys/locate", h.Locate)
	r.POST("/keys/import", h.Import)
	r.POST("/keys/populate", h.Populate)
	r.POST("/mail/resolvable", h.Resolvable)
}

// protocol reads the protocol query parameter, defaulting to OpenPGP.
func protocol(r *http.Request) (keys.Protocol, error) {
	return keys.ParseProtocol(r.URL.Query().Get("protocol"))
}

func flag(r *http.Request, name string) bool {
	v, err := strconv.ParseBool(r.URL.Query().Get(name))
	return err == nil && v
}

func mailboxParam(r *http.Request) (string, error) {
	mbox := keys.Mailbox(r.URL.Query().Get("mailbox"))
	if mbox == "" {
		return "", errors.Errorf("missing or invalid mailbox %q", r.URL.Query().Get("mailbox"))
	}
	return mbox, nil
}

func (h *Handler) mailboxKey(w http.ResponseWriter, r *http.Request, f func(string, keys.Protocol) *keys.Key) {
	mbox, err := mailboxParam(r)
	if err != nil {
		httpError(w, http.StatusBadRequest, err)
		return
	}
	p, err := protocol(r)
	if err != nil {
		httpError(w, http.StatusBadRequest, err)
		return
	}
	key := f(mbox, p)
	if key == nil {
		httpError(w, http.StatusNotFound, errors.Errorf("no key for %q", mbox))
		return
	}
	writeJSON(w, http.StatusOK, jsonkeys.NewKey(key))
}

func (h *Handler) PublicKey(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	h.mailboxKey(w, r, h.cache.PublicKey)
}

func (h *Handler) SigningKey(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	h.mailboxKey(w, r, h.cache.SigningKey)
}

type encryptionRequest struct {
	Recipients []string `json:"recipients"`
	Protocol   string   `json:"protocol"`
}

type encryptionResponse struct {
	Resolved bool            `json:"resolved"`
	Keys     []*jsonkeys.Key `json:"keys"`
}

func decodeJSON(r *http.Request, v interface{}) error {
	err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(v)
	if err != nil {
		return errors.Wrap(err, "invalid request body")
	}
	return nil
}

func (h *Handler) EncryptionKeys(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var req encryptionRequest
	err := decodeJSON(r, &req)
	if err != nil {
		httpError(w, http.StatusBadRequest, err)
		return
	}
	p, err := keys.ParseProtocol(req.Protocol)
	if err != nil {
		httpError(w, http.StatusBadRequest, err)
		return
	}
	found := h.cache.EncryptionKeys(r.Context(), req.Recipients, p)
	writeJSON(w, http.StatusOK, &encryptionResponse{
		Resolved: len(found) > 0,
		Keys:     jsonkeys.NewKeys(found),
	})
}

func (h *Handler) ByFingerprint(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	fpr := ps.ByName("fpr")
	key := h.cache.ByFingerprint(r.Context(), fpr, flag(r, "wait"))
	if key == nil {
		httpError(w, http.StatusNotFound, errors.Errorf("fingerprint %q not found", fpr))
		return
	}
	writeJSON(w, http.StatusOK, jsonkeys.NewKey(key))
}

func (h *Handler) Update(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	p, err := protocol(r)
	if err != nil {
		httpError(w, http.StatusBadRequest, err)
		return
	}
	h.cache.Update(ps.ByName("fpr"), p)
	w.WriteHeader(http.StatusAccepted)
}

func (h *Handler) Overrides(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	mbox, err := mailboxParam(r)
	if err != nil {
		httpError(w, http.StatusBadRequest, err)
		return
	}
	p, err := protocol(r)
	if err != nil {
		httpError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusOK, jsonkeys.NewKeys(h.cache.Overrides(r.Context(), mbox, p)))
}

func (h *Handler) UltimateKeys(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	writeJSON(w, http.StatusOK, jsonkeys.NewKeys(h.cache.UltimateKeys()))
}

type locateRequest struct {
	Mailbox string `json:"mailbox"`
	Secret  bool   `json:"secret"`
	Wait    bool   `json:"wait"`
}

type locateResponse struct {
	Public map[string]*jsonkeys.Key `json:"public,omitempty"`
	Secret map[string]*jsonkeys.Key `json:"secret,omitempty"`
}

func (h *Handler) Locate(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var req locateRequest
	err := decodeJSON(r, &req)
	if err != nil {
		httpError(w, http.StatusBadRequest, err)
		return
	}
	mbox := keys.Mailbox(req.Mailbox)
	if mbox == "" {
		httpError(w, http.StatusBadRequest, errors.Errorf("invalid mailbox %q", req.Mailbox))
		return
	}
	h.cache.StartLocate(mbox, keycache.Handle{})
	if req.Secret {
		h.cache.StartLocateSecret(mbox, keycache.Handle{})
	}
	if !req.Wait {
		w.WriteHeader(http.StatusAccepted)
		return
	}
	h.cache.WaitLocate(r.Context(), mbox)

	resp := &locateResponse{
		Public: map[string]*jsonkeys.Key{},
		Secret: map[string]*jsonkeys.Key{},
	}
	for _, p := range keys.Protocols {
		if key := h.cache.PublicKey(mbox, p); key != nil {
			resp.Public[p.String()] = jsonkeys.NewKey(key)
		}
		if key := h.cache.SecretKey(mbox, p); key != nil {
			resp.Secret[p.String()] = jsonkeys.NewKey(key)
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) Import(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	mbox, err := mailboxParam(r)
	if err != nil {
		httpError(w, http.StatusBadRequest, err)
		return
	}
	p, err := protocol(r)
	if err != nil {
		httpError(w, http.StatusBadRequest, err)
		return
	}
	data, err := io.ReadAll(io.LimitReader(r.Body, h.maxImportLength+1))
	if err != nil {
		httpError(w, http.StatusBadRequest, errors.WithStack(err))
		return
	}
	if int64(len(data)) > h.maxImportLength {
		httpError(w, http.StatusRequestEntityTooLarge, errors.Errorf("import exceeds %d bytes", h.maxImportLength))
		return
	}
	if keys.IdentifyData(data) == keys.DataUnknown {
		httpError(w, http.StatusBadRequest, errors.New("unrecognized key material"))
		return
	}
	h.cache.ImportFromAddressBook(mbox, data, keycache.Handle{}, p)
	if flag(r, "wait") {
		writeJSON(w, http.StatusOK, jsonkeys.NewKeys(h.cache.Overrides(r.Context(), mbox, p)))
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (h *Handler) Populate(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	h.cache.Populate()
	if flag(r, "wait") {
		h.cache.WaitPopulate(r.Context())
		writeJSON(w, http.StatusOK, map[string]int{"keys": h.cache.Len()})
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

type mailRequest struct {
	From string   `json:"sender"`
	To   []string `json:"recipients"`
}

func (m *mailRequest) Sender() string       { return m.From }
func (m *mailRequest) Recipients() []string { return m.To }

func (h *Handler) Resolvable(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var req mailRequest
	err := decodeJSON(r, &req)
	if err != nil {
		httpError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{
		"resolvable": h.cache.IsMailResolvable(r.Context(), &req),
	})
}
