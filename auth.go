package caresync

import (
	"time"

	gojwt "github.com/golang-jwt/jwt/v5"
)

// bearer credential presented during the realtime handshake.
// supplied by the session coordinator; refreshed out of band.
type SessionAuth struct {
	ByJwt      string
	InstanceId Id
	AppVersion string
}

// extracts the client id claim without verifying the signature.
// verification happens server side; the client only needs the id
// for log correlation.
func (self *SessionAuth) ClientId() (Id, error) {
	claims := gojwt.MapClaims{}
	if _, _, err := gojwt.NewParser().ParseUnverified(self.ByJwt, claims); err != nil {
		return Id{}, err
	}

	clientIdStr, ok := claims["client_id"].(string)
	if !ok {
		return Id{}, NewAuthError("jwt missing client_id")
	}
	return ParseId(clientIdStr)
}

// a known-stale token short circuits the connect attempt locally
// instead of burning a dial on a guaranteed rejection
func (self *SessionAuth) Expired() bool {
	claims := gojwt.MapClaims{}
	if _, _, err := gojwt.NewParser().ParseUnverified(self.ByJwt, claims); err != nil {
		// cannot tell. Let the server decide.
		return false
	}

	expirationTime, err := claims.GetExpirationTime()
	if err != nil || expirationTime == nil {
		return false
	}
	return expirationTime.Before(time.Now())
}
