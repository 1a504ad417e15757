package api

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/ashureev/otp-registrar/internal/domain"
	"github.com/ashureev/otp-registrar/internal/extractor"
	"github.com/ashureev/otp-registrar/internal/phone"
	"github.com/ashureev/otp-registrar/internal/phonestore"
)

// ListPhones returns every known phone account.
func (h *Handler) ListPhones(w http.ResponseWriter, r *http.Request) {
	accounts, err := h.phones.ListPhones(r.Context())
	if err != nil {
		slog.Error("Failed to list phones", "error", err)
		Error(w, http.StatusInternalServerError, "failed to list phones")
		return
	}
	if accounts == nil {
		accounts = []*domain.PhoneAccount{}
	}
	JSON(w, http.StatusOK, map[string]any{
		"total":  len(accounts),
		"phones": accounts,
	})
}

// PhoneInfo returns the account and its full history.
func (h *Handler) PhoneInfo(w http.ResponseWriter, r *http.Request) {
	data, ok := h.phoneData(w, r)
	if !ok {
		return
	}
	JSON(w, http.StatusOK, data)
}

// PhoneMessages returns the stored messages classified by extracted code.
func (h *Handler) PhoneMessages(w http.ResponseWriter, r *http.Request) {
	data, ok := h.phoneData(w, r)
	if !ok {
		return
	}
	classified := extractor.Classify(data.Messages)
	codes := extractor.Codes(classified)
	if codes == nil {
		codes = []extractor.ClassifiedMessage{}
	}
	JSON(w, http.StatusOK, map[string]any{
		"phone_number":       data.Account.Phone,
		"total":              len(classified),
		"messages":           classified,
		"verification_codes": codes,
		"last_extraction":    data.Account.LastExtraction,
	})
}

// PhoneCodes returns only the messages that carry a code.
func (h *Handler) PhoneCodes(w http.ResponseWriter, r *http.Request) {
	data, ok := h.phoneData(w, r)
	if !ok {
		return
	}
	codes := extractor.Codes(extractor.Classify(data.Messages))
	if codes == nil {
		codes = []extractor.ClassifiedMessage{}
	}
	JSON(w, http.StatusOK, map[string]any{
		"phone_number": data.Account.Phone,
		"total":        len(codes),
		"codes":        codes,
	})
}

// LatestCode returns the most recent message carrying a code.
func (h *Handler) LatestCode(w http.ResponseWriter, r *http.Request) {
	data, ok := h.phoneData(w, r)
	if !ok {
		return
	}
	codes := extractor.Codes(extractor.Classify(data.Messages))
	if len(codes) == 0 {
		Error(w, http.StatusNotFound, "no verification codes found")
		return
	}
	latest := codes[len(codes)-1]
	JSON(w, http.StatusOK, map[string]any{
		"phone_number": data.Account.Phone,
		"code":         latest.Code,
		"type":         latest.Type,
		"message":      latest,
	})
}

// phoneData loads the {phone} path parameter's record and writes the error
// response itself when it cannot.
func (h *Handler) phoneData(w http.ResponseWriter, r *http.Request) (*phonestore.PhoneData, bool) {
	number := phone.Normalize(chi.URLParam(r, "phone"))
	if !phone.Valid(number) {
		Error(w, http.StatusBadRequest, "invalid phone number")
		return nil, false
	}
	data, err := h.phones.PhoneData(r.Context(), number)
	if err != nil {
		slog.Error("Failed to load phone", "phone", number, "error", err)
		Error(w, http.StatusInternalServerError, "failed to load phone")
		return nil, false
	}
	if data == nil {
		Error(w, http.StatusNotFound, "phone number not found")
		return nil, false
	}
	return data, true
}
