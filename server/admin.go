package server

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/MattCruikshank/sokoni/internal/db"
	"github.com/MattCruikshank/sokoni/internal/models"
)

// AdminHandler seeds users and conversations for development.
type AdminHandler struct {
	db     *db.ServerDB
	token  string
	logger *zap.Logger
}

// NewAdminHandler creates a new admin handler. A non-empty token must be
// presented as a bearer token on every request.
func NewAdminHandler(database *db.ServerDB, token string, logger *zap.Logger) *AdminHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AdminHandler{
		db:     database,
		token:  token,
		logger: logger,
	}
}

// Routes registers the admin API on r.
func (a *AdminHandler) Routes(r *mux.Router) {
	r.Use(a.requireToken)
	r.HandleFunc("/users", a.HandleListUsers).Methods(http.MethodGet)
	r.HandleFunc("/users", a.HandleCreateUser).Methods(http.MethodPost)
	r.HandleFunc("/conversations", a.HandleListConversations).Methods(http.MethodGet)
	r.HandleFunc("/conversations", a.HandleCreateConversation).Methods(http.MethodPost)
	r.HandleFunc("/conversations/{id}/messages", a.HandleClearMessages).Methods(http.MethodDelete)
}

func (a *AdminHandler) requireToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if a.token != "" {
			want := "Bearer " + a.token
			got := r.Header.Get("Authorization")
			if subtle.ConstantTimeCompare([]byte(got), []byte(want)) != 1 {
				a.writeError(w, http.StatusUnauthorized, "invalid admin token")
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func (a *AdminHandler) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func (a *AdminHandler) writeError(w http.ResponseWriter, status int, message string) {
	a.writeJSON(w, status, map[string]string{"error": message})
}

// HandleListUsers serves GET /admin/users.
func (a *AdminHandler) HandleListUsers(w http.ResponseWriter, r *http.Request) {
	users, err := a.db.GetUsers()
	if err != nil {
		a.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if users == nil {
		users = []models.User{}
	}
	a.writeJSON(w, http.StatusOK, users)
}

// HandleCreateUser serves POST /admin/users.
func (a *AdminHandler) HandleCreateUser(w http.ResponseWriter, r *http.Request) {
	var user models.User
	if err := json.NewDecoder(r.Body).Decode(&user); err != nil {
		a.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if user.ID == "" {
		a.writeError(w, http.StatusBadRequest, "Missing user ID")
		return
	}
	if err := a.db.UpsertUser(&user); err != nil {
		a.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	a.logger.Info("user saved", zap.String("user_id", user.ID))
	a.writeJSON(w, http.StatusCreated, user)
}

// HandleListConversations serves GET /admin/conversations.
func (a *AdminHandler) HandleListConversations(w http.ResponseWriter, r *http.Request) {
	convs, err := a.db.GetConversations()
	if err != nil {
		a.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if convs == nil {
		convs = []db.ConversationRecord{}
	}
	a.writeJSON(w, http.StatusOK, convs)
}

// HandleCreateConversation serves POST /admin/conversations. Creating an
// existing buyer, seller and product triple returns the stored conversation.
func (a *AdminHandler) HandleCreateConversation(w http.ResponseWriter, r *http.Request) {
	var req struct {
		BuyerID     string `json:"buyerId"`
		SellerID    string `json:"sellerId"`
		ProductID   string `json:"productId"`
		ProductName string `json:"productName"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	for _, id := range []string{req.BuyerID, req.SellerID} {
		u, err := a.db.GetUser(id)
		if err != nil {
			a.writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		if u == nil {
			a.writeError(w, http.StatusBadRequest, "Unknown user "+id)
			return
		}
	}

	conv, err := a.db.CreateConversation(req.BuyerID, req.SellerID, req.ProductID, req.ProductName)
	if err != nil {
		a.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	a.logger.Info("conversation saved", zap.String("conversation_id", conv.ID))
	a.writeJSON(w, http.StatusCreated, conv)
}

// HandleClearMessages serves DELETE /admin/conversations/{id}/messages.
func (a *AdminHandler) HandleClearMessages(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := a.db.ClearConversationMessages(id); err != nil {
		a.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
