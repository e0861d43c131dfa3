// Package otpcode derives short-lived numeric one-time codes from opaque
// session tokens using a keyed HMAC.
//
// The scheme is deliberately stateless: the server never stores a code, only
// the hash of the token it was derived from. Verifying a code means
// re-deriving it from the presented token and comparing in constant time.
package otpcode
