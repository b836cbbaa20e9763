package server

import (
	"errors"
	"math"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	obscontext "github.com/smallbiznis/saasbilling/internal/observability/context"
	"github.com/smallbiznis/saasbilling/internal/ratelimit"
)

const (
	RoleOwner = "owner"
	RoleAdmin = "admin"
	RoleStaff = "staff"

	contextClaimsKey = "auth_claims"
)

// Claims is the bearer token payload. Org is the organization slug the
// caller acts for.
type Claims struct {
	Org   string `json:"org,omitempty"`
	Role  string `json:"role"`
	Email string `json:"email,omitempty"`
	jwt.RegisteredClaims
}

// Authenticator validates HS256 bearer tokens.
type Authenticator struct {
	secret []byte
}

func NewAuthenticator(secret string) *Authenticator {
	return &Authenticator{secret: []byte(strings.TrimSpace(secret))}
}

// RequireOrgRole admits tokens whose org claim matches the :slug path
// parameter and whose role is one of roles.
func (a *Authenticator) RequireOrgRole(roles ...string) gin.HandlerFunc {
	return func(c *gin.Context) {
		claims, err := a.authenticate(c)
		if err != nil {
			AbortWithError(c, ErrUnauthorized)
			return
		}
		if !strings.EqualFold(claims.Org, strings.TrimSpace(c.Param("slug"))) || !hasRole(claims.Role, roles) {
			AbortWithError(c, ErrForbidden)
			return
		}

		a.bind(c, claims)
		c.Next()
	}
}

// RequireRole admits tokens whose role is one of roles regardless of org.
func (a *Authenticator) RequireRole(roles ...string) gin.HandlerFunc {
	return func(c *gin.Context) {
		claims, err := a.authenticate(c)
		if err != nil {
			AbortWithError(c, ErrUnauthorized)
			return
		}
		if !hasRole(claims.Role, roles) {
			AbortWithError(c, ErrForbidden)
			return
		}

		a.bind(c, claims)
		c.Next()
	}
}

func (a *Authenticator) authenticate(c *gin.Context) (*Claims, error) {
	if len(a.secret) == 0 {
		return nil, ErrUnauthorized
	}

	header := strings.TrimSpace(c.GetHeader("Authorization"))
	scheme, raw, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") || strings.TrimSpace(raw) == "" {
		return nil, jwt.ErrTokenMalformed
	}

	claims := &Claims{}
	token, err := jwt.ParseWithClaims(strings.TrimSpace(raw), claims, func(t *jwt.Token) (any, error) {
		return a.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, jwt.ErrTokenSignatureInvalid
	}
	if strings.TrimSpace(claims.Role) == "" {
		return nil, errors.New("missing role claim")
	}
	return claims, nil
}

func (a *Authenticator) bind(c *gin.Context, claims *Claims) {
	c.Set(contextClaimsKey, claims)

	ctx := c.Request.Context()
	actorID := claims.Subject
	if actorID == "" {
		actorID = claims.Email
	}
	ctx = obscontext.WithActor(ctx, claims.Role, actorID)
	c.Request = c.Request.WithContext(ctx)
}

func claimsFrom(c *gin.Context) *Claims {
	value, ok := c.Get(contextClaimsKey)
	if !ok {
		return nil
	}
	claims, _ := value.(*Claims)
	return claims
}

func hasRole(role string, allowed []string) bool {
	role = strings.ToLower(strings.TrimSpace(role))
	for _, candidate := range allowed {
		if role == candidate {
			return true
		}
	}
	return false
}

// LimitBillingSessions applies the per-organization session limiter keyed
// by the :slug path parameter.
func (s *Server) LimitBillingSessions() gin.HandlerFunc {
	return func(c *gin.Context) {
		release, retryAfter, err := s.sessionLimiter.Acquire(c.Request.Context(), c.Param("slug"))
		if err != nil {
			if errors.Is(err, ratelimit.ErrRateLimited) && retryAfter > 0 {
				c.Header("Retry-After", strconv.Itoa(int(math.Ceil(retryAfter.Seconds()))))
			}
			AbortWithError(c, err)
			return
		}
		defer release()
		c.Next()
	}
}
