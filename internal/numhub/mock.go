package numhub

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/brandcall/voicecore/internal/httpclient"
)

// mockResponder answers every NumHub route with a canned success so local
// environments run without credentials.
func mockResponder(now func() time.Time) httpclient.Responder {
	return func(req httpclient.Request) (*httpclient.Response, bool) {
		path := strings.Trim(req.Path, "/")
		segments := strings.Split(path, "/")
		id := uuid.NewString()
		if len(segments) > 1 {
			id = segments[1]
		}

		var body any
		switch {
		case path == strings.Trim(loginPath, "/"):
			body = map[string]any{"accessToken": "mock-" + uuid.NewString(), "expiresIn": int64(DefaultTokenTTL / time.Second)}
		case req.Method == http.MethodDelete:
			return &httpclient.Response{StatusCode: http.StatusNoContent}, true
		case segments[0] == "applications" && len(segments) == 3 && segments[2] == "documents" && req.Method == http.MethodPost:
			docType := ""
			if req.Fields != nil {
				docType = req.Fields["documentType"]
			}
			name := ""
			if req.File != nil {
				name = req.File.FileName
			}
			body = envelope[Document]{Data: Document{
				ID:            uuid.NewString(),
				ApplicationID: segments[1],
				DocumentType:  DocumentType(docType),
				FileName:      name,
				Status:        "received",
				UploadedAt:    now().UTC(),
			}}
		case segments[0] == "applications" && len(segments) == 3 && segments[2] == "documents":
			body = envelope[[]Document]{Data: []Document{}}
		case segments[0] == "applications" && len(segments) == 3 && segments[2] == "submit":
			body = envelope[Application]{Data: Application{ID: segments[1], Status: ApplicationSubmitted, UpdatedAt: now().UTC()}}
		case segments[0] == "applications" && len(segments) == 1 && req.Method == http.MethodGet:
			body = Page[Application]{Data: []Application{}, Meta: PageMeta{CurrentPage: 1, LastPage: 1}}
		case segments[0] == "applications":
			body = envelope[Application]{Data: Application{ID: id, Status: ApplicationDraft, CreatedAt: now().UTC(), UpdatedAt: now().UTC()}}
		case path == "otp/generate":
			body = envelope[OTPChallenge]{Data: OTPChallenge{RequestID: uuid.NewString(), Sent: true, ExpiresAt: now().Add(10 * time.Minute).UTC()}}
		case path == "otp/verify":
			body = envelope[OTPResult]{Data: OTPResult{Verified: true}}
		case segments[0] == "display-identities" && len(segments) == 1 && req.Method == http.MethodGet:
			body = Page[DisplayIdentity]{Data: []DisplayIdentity{}, Meta: PageMeta{CurrentPage: 1, LastPage: 1}}
		case segments[0] == "display-identities":
			identity := DisplayIdentity{ID: id, Status: IdentityActive}
			mergeJSON(req.JSON, &identity)
			identity.ID, identity.Status = id, IdentityActive
			body = envelope[DisplayIdentity]{Data: identity}
		case segments[0] == "deals" && len(segments) == 1 && req.Method == http.MethodGet:
			body = Page[Deal]{Data: []Deal{}, Meta: PageMeta{CurrentPage: 1, LastPage: 1}}
		case segments[0] == "deals":
			deal := Deal{ID: id, Status: "active"}
			mergeJSON(req.JSON, &deal)
			deal.ID = id
			body = envelope[Deal]{Data: deal}
		case segments[0] == "default-fees" && len(segments) == 1 && req.Method == http.MethodGet:
			body = envelope[[]DefaultFee]{Data: []DefaultFee{}}
		case segments[0] == "default-fees":
			fee := DefaultFee{ID: id}
			mergeJSON(req.JSON, &fee)
			fee.ID = id
			body = envelope[DefaultFee]{Data: fee}
		case segments[0] == "settlement-reports":
			body = Page[SettlementReport]{Data: []SettlementReport{}, Meta: PageMeta{CurrentPage: 1, LastPage: 1}}
		default:
			return nil, false
		}

		data, err := json.Marshal(body)
		if err != nil {
			return nil, false
		}
		return &httpclient.Response{
			StatusCode: http.StatusOK,
			Header:     http.Header{"Content-Type": []string{"application/json"}},
			Body:       data,
		}, true
	}
}

// mergeJSON copies request fields onto a canned resource so mock responses
// echo what the caller sent.
func mergeJSON(src any, dst any) {
	if src == nil {
		return
	}
	data, err := json.Marshal(src)
	if err != nil {
		return
	}
	_ = json.Unmarshal(data, dst)
}
