package numhub

import (
	"fmt"
	"mime"
	"path/filepath"
	"sort"
	"strings"

	"github.com/brandcall/voicecore/internal/apierror"
)

// DocumentType is the category an application document is filed under.
type DocumentType string

const (
	DocumentLOA        DocumentType = "LOA"
	DocumentLogo       DocumentType = "LOGO"
	DocumentSupporting DocumentType = "DOCUMENTS"
)

type fileKind struct {
	mimeTypes []string
}

var (
	kindPDF  = fileKind{mimeTypes: []string{"application/pdf"}}
	kindBMP  = fileKind{mimeTypes: []string{"image/bmp", "image/x-bmp", "image/x-ms-bmp"}}
	kindXLSX = fileKind{mimeTypes: []string{"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"}}
	kindCSV  = fileKind{mimeTypes: []string{"text/csv", "application/csv"}}
)

// allowedFiles maps each document type to its accepted extensions.
var allowedFiles = map[DocumentType]map[string]fileKind{
	DocumentLOA:        {".pdf": kindPDF},
	DocumentLogo:       {".bmp": kindBMP},
	DocumentSupporting: {".pdf": kindPDF, ".xlsx": kindXLSX, ".csv": kindCSV},
}

// ParseDocumentType accepts the wire names case-insensitively.
func ParseDocumentType(s string) (DocumentType, bool) {
	t := DocumentType(strings.ToUpper(strings.TrimSpace(s)))
	_, ok := allowedFiles[t]
	return t, ok
}

// AllowedExtensions lists the extensions accepted for t, sorted.
func (t DocumentType) AllowedExtensions() []string {
	exts := make([]string, 0, len(allowedFiles[t]))
	for ext := range allowedFiles[t] {
		exts = append(exts, ext)
	}
	sort.Strings(exts)
	return exts
}

// DocumentUpload is a file headed for an application.
type DocumentUpload struct {
	Type        DocumentType
	FileName    string
	ContentType string
	Content     []byte
}

// Validate checks the declared MIME type and extension against the document
// type. It never touches the network.
func (u DocumentUpload) Validate() error {
	details := map[string][]string{}
	kinds, ok := allowedFiles[u.Type]
	if !ok {
		details["documentType"] = []string{fmt.Sprintf("unknown document type %q", u.Type)}
		return apierror.Validation("invalid document", details, apierror.WithProvider(ProviderName))
	}

	ext := strings.ToLower(filepath.Ext(strings.TrimSpace(u.FileName)))
	kind, extOK := kinds[ext]
	if !extOK {
		details["file"] = append(details["file"],
			fmt.Sprintf("%s documents must be one of %s", u.Type, strings.Join(u.Type.AllowedExtensions(), ", ")))
	}

	mediaType, _, err := mime.ParseMediaType(u.ContentType)
	if err != nil {
		details["contentType"] = append(details["contentType"], fmt.Sprintf("invalid content type %q", u.ContentType))
	} else if extOK && !contains(kind.mimeTypes, mediaType) {
		details["contentType"] = append(details["contentType"],
			fmt.Sprintf("content type %s does not match %s", mediaType, ext))
	} else if !extOK && !mimeAllowed(kinds, mediaType) {
		details["contentType"] = append(details["contentType"],
			fmt.Sprintf("content type %s is not accepted for %s", mediaType, u.Type))
	}

	if len(u.Content) == 0 {
		details["file"] = append(details["file"], "file is empty")
	}
	if len(details) > 0 {
		return apierror.Validation("invalid document", details, apierror.WithProvider(ProviderName))
	}
	return nil
}

func mimeAllowed(kinds map[string]fileKind, mediaType string) bool {
	for _, k := range kinds {
		if contains(k.mimeTypes, mediaType) {
			return true
		}
	}
	return false
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if strings.EqualFold(item, v) {
			return true
		}
	}
	return false
}
