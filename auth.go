package main

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/asdine/storm/v3"
	"github.com/dgrijalva/jwt-go"
	"github.com/go-chi/render"
	"golang.org/x/crypto/bcrypt"
)

var (
	// replaced by JWT_SECRET when set
	JWT_HMAC_SECRET = []byte("xWumOlRfhu+LBi2F2e1yF4FiaopQ5mr8klL4fpILnlI=")
	JWT_LIFESPAN    = time.Hour

	JWTEmpty          = errors.New("Bearer token not provided")
	ErrNotOperator    = errors.New("operator rights required to move the stage")
	errBadCredentials = errors.New("Invalid password")
)

type contextKey string

const claimsContextKey contextKey = "claims"

// User is a local account. Viewers may read records; operators and admins
// may also move, stop, calibrate and reference axes.
type User struct {
	ID       int    `storm:"increment"` // pk
	Email    string `storm:"unique"`
	Name     string
	Password string
	Admin    bool
	Operator bool
}

func (u *User) CanOperate() bool {
	return u.Admin || u.Operator
}

// SetPassword stores a bcrypt hash of pass.
func (u *User) SetPassword(pass []byte) error {
	hash, err := bcrypt.GenerateFromPassword(pass, bcrypt.DefaultCost)
	if err != nil {
		return err
	}
	u.Password = string(hash)
	return nil
}

// VerifyPassword returns bcrypt's error unchanged.
func (u *User) VerifyPassword(pass []byte) error {
	return bcrypt.CompareHashAndPassword([]byte(u.Password), pass)
}

// StageClaims are the standard claims plus the right to move the stage.
type StageClaims struct {
	Operator bool `json:"op,omitempty"`
	jwt.StandardClaims
}

type LoginPayload struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (l *LoginPayload) Bind(r *http.Request) error {
	if l.Email == "" {
		return errors.New("email is required")
	}
	return nil
}

type JWTPayload struct {
	SignedToken string `json:"token"`
	Operator    bool   `json:"operator"`
}

func newJWT(sub string, operator bool) (ts string, err error) {
	now := time.Now().UTC()
	claims := StageClaims{
		Operator: operator,
		StandardClaims: jwt.StandardClaims{
			Issuer:    ENV.JWT_ISSUER,
			IssuedAt:  now.Unix(),
			ExpiresAt: now.Add(JWT_LIFESPAN).Unix(),
			Subject:   sub,
		},
	}

	return jwt.NewWithClaims(jwt.SigningMethodHS512, claims).SignedString(JWT_HMAC_SECRET)
}

func parseJWT(ts string) (*StageClaims, error) {
	claims := new(StageClaims)
	token, err := jwt.ParseWithClaims(ts, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return JWT_HMAC_SECRET, nil
	})

	if err != nil {
		if ve, ok := err.(*jwt.ValidationError); ok && ve.Errors&jwt.ValidationErrorExpired != 0 {
			return nil, errors.New("Token has expired")
		}
		return nil, errors.New("Invalid token")
	}
	if !token.Valid {
		return nil, errors.New("Invalid token")
	}
	return claims, nil
}

// tokenFrom looks in the query first since websockets cannot set headers,
// then the Authorization header, then the jwt cookie.
func tokenFrom(r *http.Request) string {
	if ts := r.URL.Query().Get("jwt"); ts != "" {
		return ts
	}

	bearer := r.Header.Get("Authorization")
	if len(bearer) > 7 && strings.ToUpper(bearer[0:6]) == "BEARER" {
		return bearer[7:]
	}

	if cookie, err := r.Cookie("jwt"); err == nil {
		return cookie.Value
	}
	return ""
}

// requestClaims is nil when the request did not pass through ValidateJWT.
func requestClaims(r *http.Request) *StageClaims {
	claims, _ := r.Context().Value(claimsContextKey).(*StageClaims)
	return claims
}

//---
// Views
//---

func Login(w http.ResponseWriter, r *http.Request) {
	data := &LoginPayload{}
	if err := render.Bind(r, data); err != nil {
		render.Render(w, r, ErrInvalidRequest(err))
		return
	}

	var user User
	if err := ENV.DB.One("Email", data.Email, &user); err != nil {
		if err == storm.ErrNotFound {
			render.Render(w, r, ErrNotFound)
			return
		}
		render.Render(w, r, ErrRender(err))
		return
	}

	if err := user.VerifyPassword([]byte(data.Password)); err != nil {
		if err == bcrypt.ErrMismatchedHashAndPassword {
			render.Render(w, r, ErrPermissionDenied(errBadCredentials))
			return
		}
		render.Render(w, r, ErrRender(err))
		return
	}

	ts, err := newJWT(user.Email, user.CanOperate())
	if err != nil {
		render.Render(w, r, ErrRender(err))
		return
	}
	render.JSON(w, r, JWTPayload{SignedToken: ts, Operator: user.CanOperate()})
}

// JWTRefresh issues a fresh token carrying the same rights.
func JWTRefresh(w http.ResponseWriter, r *http.Request) {
	claims := requestClaims(r)

	ts, err := newJWT(claims.Subject, claims.Operator)
	if err != nil {
		render.Render(w, r, ErrRender(err))
		return
	}
	render.JSON(w, r, JWTPayload{SignedToken: ts, Operator: claims.Operator})
}

//---
// Middleware
//---

func ValidateJWT(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ts := tokenFrom(r)
		if ts == "" {
			render.Render(w, r, ErrUnauthorized(JWTEmpty))
			return
		}

		claims, err := parseJWT(ts)
		if err != nil {
			render.Render(w, r, ErrUnauthorized(err))
			return
		}

		ctx := context.WithValue(r.Context(), claimsContextKey, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequireOperator guards routes that move the stage. It must run after
// ValidateJWT.
func RequireOperator(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if claims := requestClaims(r); claims == nil || !claims.Operator {
			render.Render(w, r, ErrPermissionDenied(ErrNotOperator))
			return
		}
		next.ServeHTTP(w, r)
	})
}
