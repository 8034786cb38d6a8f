package rundown

import (
	"time"

	gojwt "github.com/golang-jwt/jwt/v5"
)

// session identity handed to transports and the document session.
// claims are parsed unverified on the client; the platform verifies the
// signature server side.

type SessionAuth struct {
	ByJwt      string
	InstanceId Id
}

type SessionClaims struct {
	UserId   Id
	ClientId Id
	TeamName string
	Expiry   time.Time
}

func ParseSessionClaimsUnverified(byJwt string) (*SessionClaims, error) {
	parser := gojwt.NewParser()
	token, _, err := parser.ParseUnverified(byJwt, gojwt.MapClaims{})
	if err != nil {
		return nil, err
	}

	claims := token.Claims.(gojwt.MapClaims)

	sessionClaims := &SessionClaims{}

	if userIdStr, ok := claims["user_id"].(string); ok {
		if userId, err := ParseId(userIdStr); err == nil {
			sessionClaims.UserId = userId
		}
	}
	if clientIdStr, ok := claims["client_id"].(string); ok {
		if clientId, err := ParseId(clientIdStr); err == nil {
			sessionClaims.ClientId = clientId
		}
	}
	if teamName, ok := claims["team_name"].(string); ok {
		sessionClaims.TeamName = teamName
	}
	if expiry, err := claims.GetExpirationTime(); err == nil && expiry != nil {
		sessionClaims.Expiry = expiry.Time
	}

	return sessionClaims, nil
}

func (self *SessionAuth) ClientId() (Id, error) {
	claims, err := ParseSessionClaimsUnverified(self.ByJwt)
	if err != nil {
		return Id{}, err
	}
	return claims.ClientId, nil
}

// an expired session short-circuits reconnection. there is no point retrying
// a channel subscribe that the platform will reject.
func (self *SessionAuth) Expired(now time.Time) bool {
	claims, err := ParseSessionClaimsUnverified(self.ByJwt)
	if err != nil {
		return true
	}
	if claims.Expiry.IsZero() {
		return false
	}
	return claims.Expiry.Before(now)
}
