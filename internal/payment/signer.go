package payment

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/url"
	"strconv"
	"strings"
)

// CallbackPath is the route the gateway redirects to once a session ends
const CallbackPath = "/__callback"

// Resolutions carried by a callback
const (
	ResolutionPass = "pass"
	ResolutionVoid = "void"
)

// Signer signs and verifies callback URLs with a shared secret
type Signer struct {
	secret  []byte
	baseURL string
}

func NewSigner(secret, baseURL string) *Signer {
	return &Signer{secret: []byte(secret), baseURL: strings.TrimRight(baseURL, "/")}
}

type signedPayload struct {
	Path    string `json:"path"`
	Payload struct {
		TxID    int64 `json:"tx_id"`
		OwnerID int64 `json:"owner_id"`
	} `json:"payload"`
}

// Sign returns the hex HMAC-SHA256 of the canonical callback document
func (s *Signer) Sign(path string, txID, ownerID int64) string {
	var doc signedPayload
	doc.Path = path
	doc.Payload.TxID = txID
	doc.Payload.OwnerID = ownerID

	// struct field order makes the encoding canonical
	body, _ := json.Marshal(doc)

	mac := hmac.New(sha256.New, s.secret)
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify reports whether sig is the signature of the callback, in constant time
func (s *Signer) Verify(path string, txID, ownerID int64, sig string) bool {
	got, err := hex.DecodeString(sig)
	if err != nil {
		return false
	}
	want, _ := hex.DecodeString(s.Sign(path, txID, ownerID))
	return hmac.Equal(got, want)
}

// CallbackURL builds the signed URL handed to the gateway. An empty
// resolution lets the callback settle from the gateway state alone.
func (s *Signer) CallbackURL(txID, ownerID int64, resolution string) string {
	q := url.Values{}
	q.Set("tx_id", strconv.FormatInt(txID, 10))
	q.Set("owner_id", strconv.FormatInt(ownerID, 10))
	q.Set("sig", s.Sign(CallbackPath, txID, ownerID))
	if resolution != "" {
		q.Set("resolution", resolution)
	}
	return s.baseURL + CallbackPath + "?" + q.Encode()
}
