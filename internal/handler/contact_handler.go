package handler

import (
	"embed"
	"encoding/json"
	"errors"
	"html/template"
	"mime"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/sitecontact/backend/internal/logging"
	"github.com/sitecontact/backend/internal/model"
	"github.com/sitecontact/backend/internal/repository"
	"github.com/sitecontact/backend/internal/service"
	"github.com/sitecontact/backend/pkg/auth"
)

// maxBodyBytes は問い合わせリクエストボディの上限
const maxBodyBytes = 64 << 10

const genericFailureMessage = "Sorry, your message could not be sent right now. Please try again later."

const (
	tooLargeMessage  = "Your message is too large to send. Please shorten it and try again."
	throttledMessage = "Too many requests. Please slow down."
)

//go:embed templates/contact.html
var templateFS embed.FS

var contactTemplate = template.Must(template.ParseFS(templateFS, "templates/contact.html"))

// ContactHandler handles the public contact form and the admin listing.
type ContactHandler struct {
	contactService    service.ContactService
	trustedProxyCount int
}

// NewContactHandler creates a ContactHandler. trustedProxyCount is the number
// of reverse proxies in front of the server that append to X-Forwarded-For.
func NewContactHandler(contactService service.ContactService, trustedProxyCount int) *ContactHandler {
	return &ContactHandler{contactService: contactService, trustedProxyCount: trustedProxyCount}
}

// contactPage is the data rendered into the form template.
type contactPage struct {
	CSRFToken   string
	Sent        bool
	Error       string
	FieldErrors map[string]string
	Name        string
	Email       string
	Message     string
}

// submitRequest is the JSON body for POST /contact.
type submitRequest struct {
	Name    string `json:"name"`
	Email   string `json:"email"`
	Message string `json:"message"`
	Website string `json:"website"`
}

type submitResponse struct {
	OK bool   `json:"ok"`
	ID string `json:"id"`
}

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// Form handles GET /contact.
func (h *ContactHandler) Form(w http.ResponseWriter, r *http.Request) {
	page := contactPage{
		CSRFToken: auth.CSRFTokenFromContext(r.Context()),
		Sent:      r.URL.Query().Get("sent") == "1",
	}
	renderContact(w, r, http.StatusOK, page)
}

// Submit handles POST /contact. JSON clients get a JSON verdict; browsers get
// a redirect on success or the form re-rendered with the rejection message.
func (h *ContactHandler) Submit(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	jsonClient := isJSONRequest(r)

	var sub model.Submission
	if jsonClient {
		var req submitRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				writeJSON(w, http.StatusRequestEntityTooLarge, errorResponse{Error: "request_too_large", Message: tooLargeMessage})
				return
			}
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid_json", Message: "Request body must be a JSON object."})
			return
		}
		sub = model.Submission{Name: req.Name, Email: req.Email, Message: req.Message, Website: req.Website}
	} else {
		if err := r.ParseForm(); err != nil {
			renderContact(w, r, http.StatusBadRequest, contactPage{
				CSRFToken: auth.CSRFTokenFromContext(r.Context()),
				Error:     genericFailureMessage,
			})
			return
		}
		sub = model.Submission{
			Name:    r.PostFormValue("name"),
			Email:   r.PostFormValue("email"),
			Message: r.PostFormValue("message"),
			Website: r.PostFormValue("website"),
		}
	}
	sub.SourceID = SourceIP(r, h.trustedProxyCount)

	rec, err := h.contactService.Submit(r.Context(), sub)
	if err != nil {
		status, reason, known := statusFor(err)
		if jsonClient {
			if !known {
				writeJSON(w, status, errorResponse{Error: "submit_failed", Message: genericFailureMessage})
				return
			}
			writeJSON(w, status, errorResponse{Error: reason.String(), Message: reason.Message()})
			return
		}

		page := contactPage{
			CSRFToken: auth.CSRFTokenFromContext(r.Context()),
			Name:      sub.Name,
			Email:     sub.Email,
			Message:   sub.Message,
			Error:     genericFailureMessage,
		}
		if known {
			page.Error = reason.Message()
			if field := reason.Field(); field != "" {
				page.FieldErrors = map[string]string{field: reason.Message()}
			}
		}
		renderContact(w, r, status, page)
		return
	}

	if jsonClient {
		writeJSON(w, http.StatusCreated, submitResponse{OK: true, ID: rec.ID})
		return
	}
	http.Redirect(w, r, "/contact?sent=1", http.StatusSeeOther)
}

// statusFor maps a Submit error to an HTTP status. Content problems are 422,
// rate and recency policy rejections are 429, anything else is a server error.
func statusFor(err error) (int, service.RejectionReason, bool) {
	reason, ok := service.ReasonOf(err)
	switch {
	case !ok:
		return http.StatusInternalServerError, 0, false
	case reason.IsPolicy():
		return http.StatusTooManyRequests, reason, true
	default:
		return http.StatusUnprocessableEntity, reason, true
	}
}

// renderContact writes the contact form page with the given status.
func renderContact(w http.ResponseWriter, r *http.Request, status int, page contactPage) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	if err := contactTemplate.Execute(w, page); err != nil {
		logging.FromContext(r.Context()).Error("render contact form failed", "error", err)
	}
}

// isJSONRequest reports whether the request body is JSON. Browsers posting
// the HTML form send application/x-www-form-urlencoded.
func isJSONRequest(r *http.Request) bool {
	ct := r.Header.Get("Content-Type")
	if ct == "" {
		return strings.Contains(r.Header.Get("Accept"), "application/json")
	}
	mediaType, _, err := mime.ParseMediaType(ct)
	return err == nil && mediaType == "application/json"
}

// adminListResponse is the JSON response for GET /api/admin/contacts.
type adminListResponse struct {
	Contacts []*model.ContactRecord `json:"contacts"`
}

// AdminList handles GET /api/admin/contacts.
// Supports query params: limit (1-100, default 20), offset.
func (h *ContactHandler) AdminList(w http.ResponseWriter, r *http.Request) {
	opts := model.ContactListOptions{
		Limit:  20,
		Offset: 0,
	}

	if l := r.URL.Query().Get("limit"); l != "" {
		if n, err := strconv.Atoi(l); err == nil && n > 0 && n <= 100 {
			opts.Limit = n
		}
	}
	if o := r.URL.Query().Get("offset"); o != "" {
		if n, err := strconv.Atoi(o); err == nil && n >= 0 {
			opts.Offset = n
		}
	}

	contacts, err := h.contactService.List(r.Context(), opts)
	if err != nil {
		logging.FromContext(r.Context()).Error("list contacts failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "list_failed"})
		return
	}

	// Return [] not null for empty lists
	if contacts == nil {
		contacts = []*model.ContactRecord{}
	}

	writeJSON(w, http.StatusOK, adminListResponse{Contacts: contacts})
}

// AdminGet handles GET /api/admin/contacts/{id}.
func (h *ContactHandler) AdminGet(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := uuid.Parse(id); err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "not_found"})
		return
	}

	rec, err := h.contactService.Get(r.Context(), id)
	if errors.Is(err, repository.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "not_found"})
		return
	}
	if err != nil {
		logging.FromContext(r.Context()).Error("get contact failed", "id", id, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "get_failed"})
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
