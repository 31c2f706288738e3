package document

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/tidwall/gjson"
)

// ErrUnsupportedVersion indicates a document written by a newer release.
var ErrUnsupportedVersion = errors.New("unsupported document version")

// Decode parses a serialized workbook. A missing version is read as the
// current one; documents need at least one sheet.
func Decode(data []byte) (Workbook, error) {
	if !gjson.ValidBytes(data) {
		return Workbook{}, errors.New("document is not valid JSON")
	}
	if version := gjson.GetBytes(data, "version"); version.Exists() && version.Int() > Version {
		return Workbook{}, fmt.Errorf("%w: %d", ErrUnsupportedVersion, version.Int())
	}
	var doc Workbook
	if err := json.Unmarshal(data, &doc); err != nil {
		return Workbook{}, fmt.Errorf("decode document: %w", err)
	}
	if doc.Version == 0 {
		doc.Version = Version
	}
	if len(doc.Sheets) == 0 {
		return Workbook{}, errors.New("document has no sheet")
	}
	return doc, nil
}
