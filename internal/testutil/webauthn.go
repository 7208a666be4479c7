package testutil

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"errors"
	"sync"

	"github.com/go-webauthn/webauthn/protocol"
	"github.com/go-webauthn/webauthn/protocol/webauthncbor"
	"github.com/go-webauthn/webauthn/protocol/webauthncose"
)

// SoftAuthenticator is a software platform authenticator producing ES256
// credentials with "none" attestation.
type SoftAuthenticator struct {
	RPID   string
	Origin string

	mu      sync.Mutex
	keys    map[string]*ecdsa.PrivateKey
	order   []string
	counter uint32

	// Fail makes every ceremony return the error.
	Fail error
	// Creates and Gets count completed ceremonies.
	Creates int
	Gets    int
}

// NewSoftAuthenticator creates an authenticator for rpID at origin.
func NewSoftAuthenticator(rpID, origin string) *SoftAuthenticator {
	return &SoftAuthenticator{RPID: rpID, Origin: origin, keys: make(map[string]*ecdsa.PrivateKey)}
}

// Credentials returns the base64url IDs of created credentials in order.
func (a *SoftAuthenticator) Credentials() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.order...)
}

// Create implements passkey.Authenticator.
func (a *SoftAuthenticator) Create(ctx context.Context, options *protocol.CredentialCreation) (*protocol.ParsedCredentialCreationData, error) {
	raw, err := json.Marshal(options)
	if err != nil {
		return nil, err
	}
	body, err := a.CreateResponse(raw)
	if err != nil {
		return nil, err
	}
	return protocol.ParseCredentialCreationResponseBody(bytes.NewReader(body))
}

// Get implements passkey.Authenticator.
func (a *SoftAuthenticator) Get(ctx context.Context, options *protocol.CredentialAssertion) (*protocol.ParsedCredentialAssertionData, error) {
	raw, err := json.Marshal(options)
	if err != nil {
		return nil, err
	}
	body, err := a.GetResponse(raw)
	if err != nil {
		return nil, err
	}
	return protocol.ParseCredentialRequestResponseBody(bytes.NewReader(body))
}

// CreateResponse answers CredentialCreation JSON with the JSON a browser
// would post back.
func (a *SoftAuthenticator) CreateResponse(optionsJSON []byte) ([]byte, error) {
	var options protocol.CredentialCreation
	if err := json.Unmarshal(optionsJSON, &options); err != nil {
		return nil, err
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.Fail != nil {
		return nil, a.Fail
	}

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, err
	}
	credentialID := make([]byte, 16)
	if _, err := rand.Read(credentialID); err != nil {
		return nil, err
	}
	id := base64.RawURLEncoding.EncodeToString(credentialID)
	a.keys[id] = key
	a.order = append(a.order, id)
	a.Creates++

	authData := a.authData(0x45)
	authData = append(authData, make([]byte, 16)...) // aaguid
	authData = binary.BigEndian.AppendUint16(authData, uint16(len(credentialID)))
	authData = append(authData, credentialID...)
	publicKey, err := coseKey(key)
	if err != nil {
		return nil, err
	}
	authData = append(authData, publicKey...)

	attestation, err := webauthncbor.Marshal(noneAttestation{
		Format:       "none",
		AttStatement: map[string]any{},
		AuthData:     authData,
	})
	if err != nil {
		return nil, err
	}

	clientData := a.clientData("webauthn.create", options.Response.Challenge)
	return json.Marshal(map[string]any{
		"id":    id,
		"rawId": id,
		"type":  "public-key",
		"response": map[string]string{
			"attestationObject": b64(attestation),
			"clientDataJSON":    b64(clientData),
		},
	})
}

// GetResponse answers CredentialAssertion JSON with the first allowed
// credential this authenticator holds.
func (a *SoftAuthenticator) GetResponse(optionsJSON []byte) ([]byte, error) {
	var options protocol.CredentialAssertion
	if err := json.Unmarshal(optionsJSON, &options); err != nil {
		return nil, err
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.Fail != nil {
		return nil, a.Fail
	}

	var id string
	for _, allowed := range options.Response.AllowedCredentials {
		candidate := b64(allowed.CredentialID)
		if _, ok := a.keys[candidate]; ok {
			id = candidate
			break
		}
	}
	if id == "" && len(options.Response.AllowedCredentials) == 0 && len(a.order) > 0 {
		id = a.order[0]
	}
	if id == "" {
		return nil, errors.New("NotAllowedError: no matching credential")
	}
	a.Gets++

	authData := a.authData(0x05)
	clientData := a.clientData("webauthn.get", options.Response.Challenge)
	clientHash := sha256.Sum256(clientData)
	digest := sha256.Sum256(append(append([]byte(nil), authData...), clientHash[:]...))

	sig, err := ecdsa.SignASN1(rand.Reader, a.keys[id], digest[:])
	if err != nil {
		return nil, err
	}

	return json.Marshal(map[string]any{
		"id":    id,
		"rawId": id,
		"type":  "public-key",
		"response": map[string]string{
			"authenticatorData": b64(authData),
			"clientDataJSON":    b64(clientData),
			"signature":         b64(sig),
		},
	})
}

func (a *SoftAuthenticator) authData(flags byte) []byte {
	rpIDHash := sha256.Sum256([]byte(a.RPID))
	a.counter++
	out := append([]byte(nil), rpIDHash[:]...)
	out = append(out, flags)
	return binary.BigEndian.AppendUint32(out, a.counter)
}

func (a *SoftAuthenticator) clientData(typ string, challenge []byte) []byte {
	data, _ := json.Marshal(struct {
		Type        string `json:"type"`
		Challenge   string `json:"challenge"`
		Origin      string `json:"origin"`
		CrossOrigin bool   `json:"crossOrigin"`
	}{typ, b64(challenge), a.Origin, false})
	return data
}

func b64(b []byte) string {
	return base64.RawURLEncoding.EncodeToString(b)
}

// noneAttestation is the CBOR attestation object of "none" attestation.
type noneAttestation struct {
	Format       string         `cbor:"fmt"`
	AttStatement map[string]any `cbor:"attStmt"`
	AuthData     []byte         `cbor:"authData"`
}

// coseKey encodes an ES256 public key as a COSE_Key map.
func coseKey(key *ecdsa.PrivateKey) ([]byte, error) {
	x := make([]byte, 32)
	y := make([]byte, 32)
	key.X.FillBytes(x)
	key.Y.FillBytes(y)
	return webauthncbor.Marshal(webauthncose.EC2PublicKeyData{
		PublicKeyData: webauthncose.PublicKeyData{
			KeyType:   int64(webauthncose.EllipticKey),
			Algorithm: int64(webauthncose.AlgES256),
		},
		Curve:  int64(webauthncose.P256),
		XCoord: x,
		YCoord: y,
	})
}
