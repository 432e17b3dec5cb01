package calls

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
)

// SignatureParam is the query parameter carrying a callback URL signature.
const SignatureParam = "sig"

// CallbackPayload is the signed part of a status callback URL. Only the
// routing fields are signed; the engine supplies the rest of the event.
func CallbackPayload(userID, credentialID string) []byte {
	return []byte(userID + "|" + credentialID)
}

// SignCallback returns the hex HMAC-SHA256 of CallbackPayload under secret.
func SignCallback(secret, userID, credentialID string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(CallbackPayload(userID, credentialID))
	return hex.EncodeToString(h.Sum(nil))
}
