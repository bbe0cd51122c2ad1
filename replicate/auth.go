package replicate

import (
	"errors"
	"fmt"

	gojwt "github.com/golang-jwt/jwt/v5"
)

// ByJwt is the claim set carried on a subscriber token. The publisher
// admits observers only; mutations never travel over the wire.
type ByJwt struct {
	ClientId    Id
	SessionName string
}

// SignByJwt mints an HMAC-signed subscriber token.
func SignByJwt(secret []byte, byJwt *ByJwt) (string, error) {
	token := gojwt.NewWithClaims(gojwt.SigningMethodHS256, gojwt.MapClaims{
		"client_id":    byJwt.ClientId.String(),
		"session_name": byJwt.SessionName,
	})
	return token.SignedString(secret)
}

// ParseByJwt verifies the signature and extracts the claims.
func ParseByJwt(secret []byte, jwtStr string) (*ByJwt, error) {
	token, err := gojwt.Parse(jwtStr, func(token *gojwt.Token) (any, error) {
		if _, ok := token.Method.(*gojwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %s", token.Method.Alg())
		}
		return secret, nil
	})
	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, errors.New("invalid jwt")
	}
	return byJwtFromClaims(token.Claims.(gojwt.MapClaims))
}

// ParseByJwtUnverified extracts the claims without checking the
// signature. Used client side to self-inspect a token.
func ParseByJwtUnverified(jwtStr string) (*ByJwt, error) {
	parser := gojwt.NewParser()
	token, _, err := parser.ParseUnverified(jwtStr, gojwt.MapClaims{})
	if err != nil {
		return nil, err
	}
	return byJwtFromClaims(token.Claims.(gojwt.MapClaims))
}

func byJwtFromClaims(claims gojwt.MapClaims) (*ByJwt, error) {
	byJwt := &ByJwt{}
	clientIdStr, ok := claims["client_id"].(string)
	if !ok {
		return nil, errors.New("jwt missing client_id")
	}
	clientId, err := ParseId(clientIdStr)
	if err != nil {
		return nil, err
	}
	byJwt.ClientId = clientId
	if sessionName, ok := claims["session_name"].(string); ok {
		byJwt.SessionName = sessionName
	}
	return byJwt, nil
}
