package api

import (
	"encoding/json"
	"errors"
	"mime"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/hydroac/aicoach/internal/store"
)

type settingsRequest struct {
	UseAI *bool  `json:"useAI"`
	Count int    `json:"count" validate:"gte=0"`
	Key   string `json:"key" validate:"required"`
	URL   string `json:"url" validate:"required,url"`
	Model string `json:"model" validate:"required"`
}

var settingsMessages = map[string]string{
	"Key.required":   "API key is required",
	"URL.required":   "API URL is required",
	"URL.url":        "API URL is invalid",
	"Model.required": "API model is required",
	"Count.gte":      "count must not be negative",
}

type settingsView struct {
	Credentials store.Settings `json:"credentials"`
}

func maskKey(key string) string {
	switch {
	case key == "":
		return ""
	case len(key) <= 4:
		return "****"
	default:
		return "****" + key[len(key)-4:]
	}
}

func (h *Handler) HandleGetSettings(w http.ResponseWriter, r *http.Request) {
	domainID := chi.URLParam(r, "domainId")
	st, err := h.settings.GetSettings(r.Context(), domainID)
	if err != nil {
		h.log.Error().Err(err).Str("domain", domainID).Msg("loading settings")
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "failed to load settings"})
		return
	}
	out := *st
	out.Key = maskKey(out.Key)
	writeJSON(w, http.StatusOK, settingsView{Credentials: out})
}

// HandleSaveSettings accepts the settings form either as JSON or as a
// urlencoded form post.
func (h *Handler) HandleSaveSettings(w http.ResponseWriter, r *http.Request) {
	domainID := chi.URLParam(r, "domainId")
	if domainID == store.SystemDomain && !h.isAdmin(r.Context()) {
		writeJSON(w, http.StatusForbidden, errorBody{Error: "not allowed to change system settings"})
		return
	}

	req, err := decodeSettings(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error()})
		return
	}
	if err := h.validate.Struct(req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: settingsError(err)})
		return
	}

	st := store.Settings{
		DomainID: domainID,
		Count:    req.Count,
		Key:      req.Key,
		URL:      req.URL,
		Model:    req.Model,
	}
	if req.UseAI != nil {
		st.UseAI = *req.UseAI
	}
	if st.Count == 0 {
		st.Count = store.DefaultCount
	}

	if err := h.settings.SaveSettings(r.Context(), domainID, st); err != nil {
		h.log.Error().Err(err).Str("domain", domainID).Msg("saving settings")
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "Failed to save API settings: " + err.Error()})
		return
	}
	h.log.Info().Str("domain", domainID).Bool("use_ai", st.UseAI).Int("count", st.Count).Msg("settings saved")

	st.Key = maskKey(st.Key)
	writeJSON(w, http.StatusOK, settingsView{Credentials: st})
}

func decodeSettings(r *http.Request) (settingsRequest, error) {
	var req settingsRequest
	ct, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if ct == "application/json" {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			return req, errors.New("invalid request body")
		}
		return req, nil
	}

	if err := r.ParseForm(); err != nil {
		return req, errors.New("invalid form")
	}
	if raw := r.PostFormValue("useAI"); raw != "" {
		v := raw == "on"
		if !v {
			b, err := strconv.ParseBool(raw)
			if err != nil {
				return req, errors.New("useAI must be a boolean")
			}
			v = b
		}
		req.UseAI = &v
	}
	if raw := strings.TrimSpace(r.PostFormValue("count")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			return req, errors.New("count must be an integer")
		}
		req.Count = n
	}
	req.Key = r.PostFormValue("key")
	req.URL = r.PostFormValue("url")
	req.Model = r.PostFormValue("model")
	return req, nil
}

// settingsError reports the first failed field the way the settings page
// shows it.
func settingsError(err error) string {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		if msg, ok := settingsMessages[fe.Field()+"."+fe.Tag()]; ok {
			return msg
		}
		return fe.Field() + " is invalid"
	}
	return err.Error()
}
