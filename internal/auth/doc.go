// Package auth provides authentication for backhauld.
//
// # Authentication Methods
//
// Two independent trust boundaries share this package:
//
//   - Machine credentials: kernels authenticate tunnel binds with a
//     per-machine token (or a shared fleet token). Configured tokens are
//     bcrypt-hashed at startup and compared per bind.
//
//   - JWT tokens: agents and admin API clients authenticate with HS256
//     tokens signed with the configured jwt_secret. The "sub" claim is the
//     principal ID carried through request contexts.
//
// # Disabled Auth
//
// With no jwt_secret configured the agent/admin side runs open: every token
// verifies to the anonymous principal (PermitAll). With no machine tokens
// and no fleet token configured the machine side likewise accepts any bind.
// The daemon warns at startup for both.
//
// # HTTP Middleware
//
// HTTPAuthMiddleware wraps admin API handlers, rejecting requests without a
// valid bearer token and attaching the verified Principal to the request
// context:
//
//	p := auth.PrincipalFromContext(r.Context())
//
// # Token Minting
//
// The daemon's "token" subcommand mints agent JWTs from the configured
// secret:
//
//	verifier := auth.NewJWTVerifier(secret)
//	token, err := verifier.Generate("ci-agent", 30*24*time.Hour)
package auth
