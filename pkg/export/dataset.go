package export

// Dataset defines tabular export content.
type Dataset struct {
	Headers []string
	Rows    []map[string]string
}

// Section is one titled table inside a multi-part export document.
type Section struct {
	Title string
	Data  Dataset
}

// Formats supported for subject data exports.
const (
	FormatJSON = "json"
	FormatCSV  = "csv"
	FormatPDF  = "pdf"
)

// ContentType returns the MIME type for a format, defaulting to JSON.
func ContentType(format string) string {
	switch format {
	case FormatCSV:
		return "text/csv"
	case FormatPDF:
		return "application/pdf"
	default:
		return "application/json"
	}
}
