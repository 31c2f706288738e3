// Package document defines the serialized workbook exchanged by import and
// export.
package document

// Version is the current workbook document version.
const Version = 1

// Workbook is the exported state of every core plugin.
type Workbook struct {
	Version int     `json:"version"`
	Sheets  []Sheet `json:"sheets"`
}

// Sheet is one sheet of the workbook. Ranges are A1 text relative to the
// sheet.
type Sheet struct {
	ID                 string            `json:"id"`
	Name               string            `json:"name"`
	Rows               int               `json:"rows"`
	Cols               int               `json:"cols"`
	Cells              map[string]string `json:"cells,omitempty"`
	Charts             []Chart           `json:"charts,omitempty"`
	ConditionalFormats []Format          `json:"conditional_formats,omitempty"`
	DataValidations    []Validation      `json:"data_validations,omitempty"`
}

// Chart is an exported chart figure.
type Chart struct {
	ID         string   `json:"id"`
	Title      string   `json:"title,omitempty"`
	Kind       string   `json:"kind,omitempty"`
	DataSets   []string `json:"data_sets,omitempty"`
	LabelRange string   `json:"label_range,omitempty"`
}

// Format is an exported conditional format rule.
type Format struct {
	ID      string   `json:"id"`
	Ranges  []string `json:"ranges"`
	Formula string   `json:"formula"`
	Style   string   `json:"style,omitempty"`
}

// Validation is an exported data validation rule.
type Validation struct {
	ID        string   `json:"id"`
	Ranges    []string `json:"ranges"`
	Criterion string   `json:"criterion"`
	Values    []string `json:"values,omitempty"`
	Blocking  bool     `json:"blocking,omitempty"`
}

// Sheet returns the sheet with id.
func (w *Workbook) Sheet(id string) *Sheet {
	for i := range w.Sheets {
		if w.Sheets[i].ID == id {
			return &w.Sheets[i]
		}
	}
	return nil
}

// Default returns a new workbook with one empty sheet.
func Default() Workbook {
	return Workbook{
		Version: Version,
		Sheets:  []Sheet{{ID: "sheet1", Name: "Sheet1", Rows: 100, Cols: 26}},
	}
}
