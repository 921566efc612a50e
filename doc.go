// Package accounts provides account registration, authentication and
// role based authorization for server rendered applications.
//
// Account lifecycle:
//   - An Account is unconfirmed until a confirmation token is redeemed, active
//     afterwards, and locked once MaxFailedAttempts consecutive logins fail.
//     The state is derived from the confirmed_at and locked_at columns and the
//     AccountStateMachine owns every transition between them.
//   - Confirmation, unlock and password reset links share one token protocol:
//     only the SHA-256 hash of a random token is stored and a token redeems at
//     most once before it expires.
//
// Authorization:
//   - PolicyTable maps (role, action) pairs to allow decisions and denies
//     everything else. Scope applies the same table at query level so list
//     endpoints return nothing to callers that are not allowed to list.
//   - RouteTable requires every mounted route to declare a decision (public,
//     authenticated or a policy action) and Verify fails at startup otherwise.
//
// Activity sinks:
//   - ActivitySink receives login, lockout, unlock and password reset events.
//     Sinks run best effort (errors are logged) so an audit backend never
//     blocks authentication.
package accounts
