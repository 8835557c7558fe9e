package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validTask() RetryTask {
	return RetryTask{
		OrganizationID: "org",
		ProjectID:      "proj",
		ReportID:       "rep",
		StoragePath:    "reports/rep/photos/photo_000.jpeg",
		LocalURI:       "/cache/a.jpeg",
		FieldName:      "photoUrls",
		MimeType:       "image/jpeg",
	}
}

func TestChainIsDeterministic(t *testing.T) {
	a := ReportScope{OrganizationID: "o", ProjectID: "p", ReportID: "r"}
	b := ReportScope{OrganizationID: "o", ProjectID: "p", ReportID: "r"}
	assert.Equal(t, a.Chain(), b.Chain())
	assert.Equal(t, "report-upload:o/p/r", a.Chain())

	c := ReportScope{OrganizationID: "o", ProjectID: "p", ReportID: "other"}
	assert.NotEqual(t, a.Chain(), c.Chain())
}

func TestValidate(t *testing.T) {
	require.NoError(t, validTask().Validate())

	tk := validTask()
	tk.LocalURI = "  "
	tk.MimeType = ""
	err := tk.Validate()
	require.ErrorIs(t, err, ErrMalformedTask)
	assert.Contains(t, err.Error(), "localUri")
	assert.Contains(t, err.Error(), "mimeType")
}

func TestScope(t *testing.T) {
	tk := validTask()
	assert.Equal(t, ReportScope{OrganizationID: "org", ProjectID: "proj", ReportID: "rep"}, tk.Scope())
	assert.Equal(t, "org/proj/rep", tk.Scope().String())
}
