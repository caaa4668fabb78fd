package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/securecookie"
	"golang.org/x/crypto/bcrypt"

	"github.com/example/teetime-scheduler/internal/db"
)

var ErrInvalidCredentials = errors.New("invalid credentials")

// Operators stores dashboard accounts.
type Operators interface {
	Create(ctx context.Context, username, passwordHash string) (int64, error)
	Lookup(ctx context.Context, username string) (id int64, passwordHash string, err error)
}

type Store struct {
	sc  *securecookie.SecureCookie
	ops Operators
}

type ctxKey string

const operatorIDKey ctxKey = "operatorID"

const sessionTTL = 14 * 24 * time.Hour

func NewStore(ops Operators, hashKey, blockKey []byte) *Store {
	sc := securecookie.New(hashKey, blockKey)
	// keep cookie small and secure
	sc.MaxAge(int(sessionTTL.Seconds()))
	return &Store{sc: sc, ops: ops}
}

func HashPassword(pw string) (string, error) {
	b, err := bcrypt.GenerateFromPassword([]byte(pw), bcrypt.DefaultCost)
	return string(b), err
}

func CheckPassword(hash, pw string) bool {
	err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(pw))
	return err == nil
}

func (s *Store) CreateOperator(ctx context.Context, username, password string) (int64, error) {
	username = strings.TrimSpace(username)
	if username == "" || password == "" {
		return 0, errors.New("username and password are required")
	}
	hash, err := HashPassword(password)
	if err != nil {
		return 0, err
	}
	return s.ops.Create(ctx, username, hash)
}

func (s *Store) Authenticate(ctx context.Context, username, password string) (int64, error) {
	id, hash, err := s.ops.Lookup(ctx, username)
	if err != nil {
		if db.IsNotFound(err) {
			return 0, ErrInvalidCredentials
		}
		return 0, err
	}
	if !CheckPassword(hash, password) {
		return 0, ErrInvalidCredentials
	}
	return id, nil
}

type Session struct {
	OperatorID int64
}

type cookieValue struct {
	UID int64
	V   int
}

const cookieName = "teesched_session"

func (s *Store) SetSession(w http.ResponseWriter, r *http.Request, operatorID int64) error {
	encoded, err := s.sc.Encode(cookieName, cookieValue{UID: operatorID, V: 1})
	if err != nil {
		return err
	}
	http.SetCookie(w, &http.Cookie{
		Name:     cookieName,
		Value:    encoded,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		Secure:   r.TLS != nil, // ok for local http; secure in https
		MaxAge:   int(sessionTTL.Seconds()),
	})
	return nil
}

func (s *Store) ClearSession(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     cookieName,
		Value:    "",
		Path:     "/",
		HttpOnly: true,
		MaxAge:   -1,
	})
}

func (s *Store) GetSession(r *http.Request) (Session, bool) {
	c, err := r.Cookie(cookieName)
	if err != nil {
		return Session{}, false
	}
	var val cookieValue
	if err := s.sc.Decode(cookieName, c.Value, &val); err != nil {
		return Session{}, false
	}
	if val.UID <= 0 {
		return Session{}, false
	}
	return Session{OperatorID: val.UID}, true
}

func (s *Store) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sess, ok := s.GetSession(r)
		if !ok {
			if r.Method != http.MethodGet {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
			http.Redirect(w, r, "/login", http.StatusFound)
			return
		}
		ctx := context.WithValue(r.Context(), operatorIDKey, sess.OperatorID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func OperatorIDFromContext(ctx context.Context) (int64, bool) {
	id, ok := ctx.Value(operatorIDKey).(int64)
	return id, ok
}

// Repo keeps operators in Postgres.
type Repo struct {
	db *db.DB
}

func NewRepo(d *db.DB) *Repo { return &Repo{db: d} }

func (r *Repo) Create(ctx context.Context, username, passwordHash string) (int64, error) {
	var id int64
	err := r.db.QueryRow(ctx,
		`INSERT INTO operators(username, password_bcrypt) VALUES ($1,$2) RETURNING id`,
		username, passwordHash).Scan(&id)
	return id, err
}

func (r *Repo) Lookup(ctx context.Context, username string) (int64, string, error) {
	var id int64
	var hash string
	err := r.db.QueryRow(ctx, `SELECT id, password_bcrypt FROM operators WHERE username=$1`, username).Scan(&id, &hash)
	if err != nil {
		return 0, "", db.WrapNotFound(err)
	}
	return id, hash, nil
}

// Memory keeps operators in process, for runs without a database.
type Memory struct {
	mu    sync.Mutex
	byKey map[string]memOperator
}

type memOperator struct {
	id   int64
	hash string
}

func NewMemory() *Memory { return &Memory{byKey: map[string]memOperator{}} }

func (m *Memory) Create(_ context.Context, username, passwordHash string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byKey[username]; ok {
		return 0, errors.New("operator already exists")
	}
	id := int64(len(m.byKey) + 1)
	m.byKey[username] = memOperator{id: id, hash: passwordHash}
	return id, nil
}

func (m *Memory) Lookup(_ context.Context, username string) (int64, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	op, ok := m.byKey[username]
	if !ok {
		return 0, "", db.ErrNotFound
	}
	return op.id, op.hash, nil
}
