package handlers

import (
	"net/http"
	"strings"

	"github.com/diewo77/go-crm/auth"
	"github.com/diewo77/go-crm/httpx"
	"github.com/diewo77/go-crm/internal/models"
	"github.com/diewo77/go-crm/validation"

	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
)

// ensureDefaultRole fetches or creates the base "agent" role.
func ensureDefaultRole(db *gorm.DB) (*models.Role, error) {
	var role models.Role
	if err := db.Where("name = ?", "agent").First(&role).Error; err == nil {
		return &role, nil
	}
	role = models.Role{Name: "agent", Description: "Default role", Permissions: "contact:*,account:view,account:list,invoice:view,invoice:list,contract:view,contract:list,appointment:*,availability:*"}
	if err := db.Create(&role).Error; err != nil {
		return nil, err
	}
	return &role, nil
}

type AuthHandler struct{ DB *gorm.DB }

func NewAuthHandler(db *gorm.DB) *AuthHandler { return &AuthHandler{DB: db} }

func (h *AuthHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("/api/auth/signup", h.signup)
	mux.HandleFunc("/api/auth/login", h.login)
	mux.HandleFunc("/api/auth/logout", h.logout)
}

type credentialsReq struct {
	Email     string `json:"email"`
	Password  string `json:"password"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
}

func (h *AuthHandler) signup(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httpx.MethodNotAllowed(w, "POST")
		return
	}
	var req credentialsReq
	if !decodeJSON(w, r, &req) {
		return
	}
	v := validation.Violations{}
	validation.Required("email", req.Email, v)
	validation.Email("email", req.Email, v)
	if len(req.Password) < 8 {
		v["password"] = "too_short"
	}
	if !v.Empty() {
		httpx.Error(w, http.StatusBadRequest, "validation_failed", v)
		return
	}
	email := strings.ToLower(strings.TrimSpace(req.Email))
	var count int64
	if err := h.DB.Model(&models.User{}).Where("email = ?", email).Count(&count).Error; err != nil {
		writeServiceError(w, err)
		return
	}
	if count > 0 {
		httpx.Error(w, http.StatusConflict, "conflict", map[string]string{"email": "taken"})
		return
	}
	hash, _ := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	role, err := ensureDefaultRole(h.DB)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	user := models.User{Email: email, Password: string(hash), FirstName: req.FirstName, LastName: req.LastName, RoleID: role.ID}
	if err := h.DB.Create(&user).Error; err != nil {
		writeServiceError(w, err)
		return
	}
	auth.CreateSession(w, user.ID)
	httpx.Data(w, http.StatusCreated, user)
}

func (h *AuthHandler) login(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httpx.MethodNotAllowed(w, "POST")
		return
	}
	var req credentialsReq
	if !decodeJSON(w, r, &req) {
		return
	}
	email := strings.ToLower(strings.TrimSpace(req.Email))
	if email == "" || req.Password == "" {
		httpx.Error(w, http.StatusBadRequest, "validation_failed", map[string]string{"email": "required", "password": "required"})
		return
	}
	var user models.User
	if err := h.DB.Where("email = ?", email).First(&user).Error; err != nil {
		httpx.Error(w, http.StatusUnauthorized, "invalid_credentials", nil)
		return
	}
	if bcrypt.CompareHashAndPassword([]byte(user.Password), []byte(req.Password)) != nil {
		httpx.Error(w, http.StatusUnauthorized, "invalid_credentials", nil)
		return
	}
	auth.CreateSession(w, user.ID)
	httpx.Data(w, http.StatusOK, user)
}

func (h *AuthHandler) logout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httpx.MethodNotAllowed(w, "POST")
		return
	}
	auth.ClearSession(w)
	httpx.Data(w, http.StatusOK, map[string]string{"status": "logged_out"})
}
