// Package auth provides authentication for the warden API.
//
// # Authentication Model
//
// A single admin identity is configured in warden.yaml. The login endpoint
// verifies the presented credentials and issues a short-lived JWT; every
// protected endpoint then requires that token as a bearer credential.
//
//   - JWT Tokens: signed with HS256 using the configured jwt_secret.
//     The "sub" claim carries the admin login.
//
//   - Admin Password: the configured value may be a bcrypt digest
//     (prefix $2a$, $2b$, or $2y$) or a literal password. Literal values
//     are compared in constant time.
//
// # HTTP Middleware
//
// Middleware wraps protected handlers:
//
//	protected := auth.Middleware(verifier)(handler)
//
// Requests without a valid "Authorization: Bearer <token>" header receive
// 401 with a JSON error body. On success the subject is attached to the
// request context and can be read with SubjectFromContext.
//
// # Token Management
//
//	verifier := auth.NewJWTVerifier(secret)
//	token, err := verifier.Generate(login, ttl)
//	subject, err := verifier.Verify(token)
package auth
