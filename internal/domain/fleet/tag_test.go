package fleet

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewTag(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		input   string
		want    Tag
		wantErr bool
	}{
		{name: "simple", input: "linux", want: "linux"},
		{name: "uppercase lowered", input: "Linux", want: "linux"},
		{name: "with hyphen", input: "dev-box", want: "dev-box"},
		{name: "with underscore", input: "dev_box", want: "dev_box"},
		{name: "empty", input: " ", wantErr: true},
		{name: "trailing hyphen", input: "dev-", wantErr: true},
		{name: "starts with digit", input: "1dev", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := NewTag(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNewTags_PreservesOrderAndDedupes(t *testing.T) {
	t.Parallel()

	tags, err := NewTags("web", "linux", "web", "db")
	require.NoError(t, err)
	assert.Equal(t, []string{"web", "linux", "db"}, tags.Strings())

	_, err = NewTags("ok", "not ok")
	assert.Error(t, err)
}

func TestTags_SetOperations(t *testing.T) {
	t.Parallel()

	a := Tags{"web", "linux"}
	b := Tags{"linux", "db"}

	assert.True(t, a.Contains("web"))
	assert.False(t, a.Contains("db"))
	assert.True(t, a.ContainsAny(b))
	assert.False(t, a.ContainsAll(b))
	assert.Equal(t, Tags{"web", "linux", "db"}, a.Union(b))
	assert.Equal(t, Tags{"web", "linux"}, a, "union does not modify receiver")
}
