package httpapi

import (
	"net/http"

	"go.uber.org/zap"

	"eva-checkin/internal/domain"
	"eva-checkin/internal/service"
)

// ContactsHandler 紧急联系人关联与优先级
type ContactsHandler struct {
	contacts *service.ContactResolver
	logger   *zap.Logger
}

// NewContactsHandler 创建 ContactsHandler
func NewContactsHandler(contacts *service.ContactResolver, logger *zap.Logger) *ContactsHandler {
	return &ContactsHandler{contacts: contacts, logger: logger}
}

// ListContacts GET /api/v1/persons/{id}/contacts
func (h *ContactsHandler) ListContacts(w http.ResponseWriter, r *http.Request) {
	items, err := h.contacts.List(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, h.logger, "ListContacts", err)
		return
	}
	if items == nil {
		items = []domain.PrioritizedContact{}
	}
	writeJSON(w, http.StatusOK, Ok(map[string]any{
		"items": items,
		"total": len(items),
	}))
}

type assignContactRequest struct {
	ContactID string `json:"contact_id" validate:"required"`
	Priority  int    `json:"priority" validate:"required,min=1"`
	Relation  string `json:"relation" validate:"max=50"`
}

// AssignContact POST /api/v1/persons/{id}/contacts
func (h *ContactsHandler) AssignContact(w http.ResponseWriter, r *http.Request) {
	var req assignContactRequest
	if err := readBodyJSON(r, &req); err != nil {
		writeError(w, h.logger, "AssignContact", err)
		return
	}
	a, err := h.contacts.Assign(r.Context(), service.AssignRequest{
		PersonID:  r.PathValue("id"),
		ContactID: req.ContactID,
		Priority:  req.Priority,
		Relation:  req.Relation,
	})
	if err != nil {
		writeError(w, h.logger, "AssignContact", err)
		return
	}
	writeJSON(w, http.StatusCreated, Ok(a))
}

type priorityRequest struct {
	Priority int `json:"priority" validate:"required,min=1"`
}

// UpdatePriority PUT /api/v1/contact-assignments/{id}/priority
func (h *ContactsHandler) UpdatePriority(w http.ResponseWriter, r *http.Request) {
	var req priorityRequest
	if err := readBodyJSON(r, &req); err != nil {
		writeError(w, h.logger, "UpdatePriority", err)
		return
	}
	a, err := h.contacts.Reprioritize(r.Context(), r.PathValue("id"), req.Priority)
	if err != nil {
		writeError(w, h.logger, "UpdatePriority", err)
		return
	}
	writeJSON(w, http.StatusOK, Ok(a))
}
