package server

import (
	"context"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/diewo77/go-crm/auth"
	"github.com/diewo77/go-crm/gate"
	"github.com/diewo77/go-crm/httpx"
	"github.com/diewo77/go-crm/internal/handlers"
	"github.com/diewo77/go-crm/internal/models"
	"github.com/diewo77/go-crm/internal/services"

	"gorm.io/gorm"
)

// Deps carries the shared collaborators the router wires into handlers.
type Deps struct {
	DB      *gorm.DB
	Mailer  services.Mailer
	BaseURL string
}

// New constructs the root http.Handler with all routes and middlewares applied.
func New(deps Deps) http.Handler {
	db := deps.DB
	mux := http.NewServeMux()

	// The session cookie alone is not enough: the user row must still exist.
	auth.SetUserVerifier(func(_ context.Context, uid uint) bool {
		var count int64
		if err := db.Model(&models.User{}).Where("id = ?", uid).Limit(1).Count(&count).Error; err != nil {
			return false
		}
		return count > 0
	})

	g := newGate(db)

	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		httpx.Data(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		if err := db.Exec("SELECT 1").Error; err != nil {
			httpx.Error(w, http.StatusServiceUnavailable, "degraded", nil)
			return
		}
		httpx.Data(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	handlers.NewAuthHandler(db).Register(mux)

	mail := &services.MailLog{DB: db, Mailer: deps.Mailer}

	// --- CRM: accounts and contacts ---
	accounts := handlers.NewAccountHandler(db)
	mux.Handle("/api/crm/accounts", listCreate(g, "account", accounts.List, accounts.Create))
	mux.Handle("/api/crm/accounts/get", perm(g, "account", gate.ActionView, accounts.Get))
	mux.Handle("/api/crm/accounts/update", perm(g, "account", gate.ActionUpdate, accounts.Update))
	mux.Handle("/api/crm/accounts/delete", perm(g, "account", gate.ActionDelete, accounts.Delete))

	contacts := handlers.NewContactHandler(db)
	mux.Handle("/api/crm/contacts", listCreate(g, "contact", contacts.List, contacts.Create))
	mux.Handle("/api/crm/contacts/get", perm(g, "contact", gate.ActionView, contacts.Get))
	mux.Handle("/api/crm/contacts/update", perm(g, "contact", gate.ActionUpdate, contacts.Update))
	mux.Handle("/api/crm/contacts/delete", perm(g, "contact", gate.ActionDelete, contacts.Delete))

	// --- CRM: invoices ---
	invoices := handlers.NewInvoiceHandler(db, services.NewInvoiceService())
	mux.Handle("/api/crm/invoices", listCreate(g, "invoice", invoices.List, invoices.Create))
	mux.Handle("/api/crm/invoices/get", perm(g, "invoice", gate.ActionView, invoices.Get))
	mux.Handle("/api/crm/invoices/update", perm(g, "invoice", gate.ActionUpdate, invoices.Update))
	mux.Handle("/api/crm/invoices/finalize", perm(g, "invoice", gate.ActionFinalize, invoices.Finalize))
	mux.Handle("/api/crm/invoices/void", perm(g, "invoice", gate.ActionVoid, invoices.Void))
	mux.Handle("/api/crm/invoices/payments", perm(g, "invoice", gate.ActionPay, invoices.RecordPayment))
	mux.Handle("/api/crm/invoices/refunds", perm(g, "invoice", gate.ActionPay, invoices.RecordRefund))
	mux.Handle("/api/crm/invoices/payment-link", perm(g, "invoice", gate.ActionUpdate, invoices.PaymentLink))
	mux.Handle("/api/crm/invoices/pdf", perm(g, "invoice", gate.ActionView, invoices.PDF))

	// --- CRM: contracts ---
	contractSvc := services.NewContractService(db, mail, deps.BaseURL)
	contracts := handlers.NewContractHandler(db, contractSvc, g)
	mux.Handle("/api/crm/contracts", listCreate(g, "contract", contracts.List, contracts.Create))
	mux.Handle("/api/crm/contracts/get", perm(g, "contract", gate.ActionView, contracts.Get))
	mux.Handle("/api/crm/contracts/update", perm(g, "contract", gate.ActionUpdate, contracts.Update))
	mux.Handle("/api/crm/contracts/send", perm(g, "contract", gate.ActionSend, contracts.Send))
	mux.Handle("/api/crm/contracts/amend", perm(g, "contract", gate.ActionAmend, contracts.Amend))
	mux.Handle("/api/crm/contracts/void", perm(g, "contract", gate.ActionVoid, contracts.Void))
	mux.Handle("/api/crm/contracts/render", perm(g, "contract", gate.ActionView, contracts.Render))
	mux.Handle("/api/crm/contracts/pdf", perm(g, "contract", gate.ActionView, contracts.PDF))
	mux.Handle("/api/crm/contracts/events", perm(g, "contract", gate.ActionView, contracts.Events))
	// Listing needs contract:view; the upload branch additionally runs its own
	// ownership check before writing.
	mux.Handle("/api/crm/contracts/attachments", perm(g, "contract", gate.ActionView, contracts.Attachments))
	mux.Handle("/api/crm/contracts/attachments/download", perm(g, "contract", gate.ActionView, contracts.DownloadAttachment))
	// Signature endpoints are public: the invite token plus OTP is the credential.
	mux.HandleFunc("/api/crm/contracts/sign", postOnly(contracts.Sign))
	mux.HandleFunc("/api/crm/contracts/decline", postOnly(contracts.Decline))

	// --- Scheduler ---
	schedSvc := services.NewSchedulerService(db, mail)
	sched := handlers.NewSchedulerHandler(db, schedSvc)
	mux.Handle("/api/scheduler/types", listCreate(g, "appointment_type", sched.ListTypes, sched.CreateType))
	mux.Handle("/api/scheduler/types/get", perm(g, "appointment_type", gate.ActionView, sched.GetType))
	mux.Handle("/api/scheduler/types/update", perm(g, "appointment_type", gate.ActionUpdate, sched.UpdateType))
	mux.Handle("/api/scheduler/types/delete", perm(g, "appointment_type", gate.ActionDelete, sched.DeleteType))
	mux.Handle("/api/scheduler/availability", perm(g, "availability", gate.ActionUpdate, sched.Availability))
	// Booking surface is public: the SPA booking page runs without a session.
	mux.HandleFunc("/api/scheduler/slots", sched.Slots)
	mux.Handle("/api/scheduler/appointments", auth.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			sched.Book(w, r)
		case http.MethodGet:
			if _, ok := auth.UserIDFromContext(r.Context()); !ok {
				httpx.Error(w, http.StatusUnauthorized, "unauthorized", nil)
				return
			}
			sched.ListAppointments(w, r)
		default:
			httpx.MethodNotAllowed(w, "GET, POST")
		}
	})))
	mux.Handle("/api/scheduler/appointments/cancel", perm(g, "appointment", gate.ActionCancel, sched.CancelAppointment))
	mux.HandleFunc("/api/scheduler/cancel", postOnly(sched.CancelByToken))

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			httpx.Error(w, http.StatusNotFound, "not_found", nil)
			return
		}
		httpx.Data(w, http.StatusOK, map[string]string{"service": "go-crm"})
	})

	return withRecover(withLogging(mux))
}

// newGate builds the authorization gate: role permissions come from the
// Role.Permissions CSV, cached briefly, plus an ownership policy on contracts.
func newGate(db *gorm.DB) *gate.Gate[uint] {
	resolver := gate.ResolverFunc[uint](func(ctx context.Context, uid uint) (gate.Profile, error) {
		var user models.User
		if err := db.WithContext(ctx).Preload("Role").First(&user, uid).Error; err != nil {
			return nil, err
		}
		perms := make([]gate.Permission, 0, 8)
		for _, p := range strings.Split(user.Role.Permissions, ",") {
			if p = strings.TrimSpace(p); p != "" {
				perms = append(perms, gate.Permission(p))
			}
		}
		return gate.NewStaticProfile(user.Role.ID, user.Role.Name, perms...), nil
	})

	g := gate.New[uint](gate.NewCachedResolver[uint](resolver, time.Minute))
	g.Register("contract", gate.PolicyFunc[uint](func(ctx context.Context, uid uint, _ gate.Action, resource any) bool {
		c, ok := resource.(*models.Contract)
		if !ok {
			return false
		}
		if c.OwnerID == uid {
			return true
		}
		var count int64
		err := db.WithContext(ctx).Model(&models.User{}).
			Joins("JOIN roles ON roles.id = users.role_id").
			Where("users.id = ? AND roles.name = ?", uid, "admin").
			Count(&count).Error
		return err == nil && count > 0
	}))
	return g
}

// perm requires a session and the resource:action permission.
func perm(g *gate.Gate[uint], resource string, action gate.Action, next http.HandlerFunc) http.Handler {
	return auth.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		uid, ok := auth.UserIDFromContext(r.Context())
		if !ok {
			httpx.Error(w, http.StatusUnauthorized, "unauthorized", nil)
			return
		}
		if err := g.Authorize(r.Context(), uid, action, resource, nil); err != nil {
			httpx.Error(w, http.StatusForbidden, "forbidden", nil)
			return
		}
		next(w, r)
	}))
}

// listCreate routes GET to list and POST to create on a collection path.
func listCreate(g *gate.Gate[uint], resource string, list, create http.HandlerFunc) http.Handler {
	return auth.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		uid, ok := auth.UserIDFromContext(r.Context())
		if !ok {
			httpx.Error(w, http.StatusUnauthorized, "unauthorized", nil)
			return
		}
		switch r.Method {
		case http.MethodGet:
			if err := g.Authorize(r.Context(), uid, gate.ActionList, resource, nil); err != nil {
				httpx.Error(w, http.StatusForbidden, "forbidden", nil)
				return
			}
			list(w, r)
		case http.MethodPost:
			if err := g.Authorize(r.Context(), uid, gate.ActionCreate, resource, nil); err != nil {
				httpx.Error(w, http.StatusForbidden, "forbidden", nil)
				return
			}
			create(w, r)
		default:
			httpx.MethodNotAllowed(w, "GET, POST")
		}
	}))
}

func postOnly(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			httpx.MethodNotAllowed(w, "POST")
			return
		}
		next(w, r)
	}
}

func withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		log.Printf("%s %s %d %s", r.Method, r.URL.Path, rec.status, time.Since(start).Round(time.Millisecond))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func withRecover(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				log.Printf("panic on %s %s: %v", r.Method, r.URL.Path, rec)
				httpx.Error(w, http.StatusInternalServerError, "internal_error", nil)
			}
		}()
		next.ServeHTTP(w, r)
	})
}
