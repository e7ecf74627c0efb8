package release

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParsePinFile(t *testing.T) {
	contents := []byte(`
# conda explicit export
@EXPLICIT
numpy=1.26.4=py311h64a7726_0
Pandas=2.2.1=py311h320fe9a_0
scikit_learn=1.4.0
`)

	pins, err := ParsePinFile(contents)
	assert.NoError(t, err)
	assert.Len(t, pins, 3)

	assert.Equal(t, Pin{Name: "numpy", Version: "1.26.4", Build: "py311h64a7726_0"}, pins[0])
	assert.Equal(t, "pandas", pins[1].Name, "names are lowercased")
	assert.Equal(t, "scikit-learn", pins[2].Name, "underscores fold to hyphens")
	assert.Empty(t, pins[2].Build)
}

func TestParsePinFile_BareNames(t *testing.T) {
	pins, err := ParsePinFile([]byte("numpy\npandas=2.2.1\n"))
	assert.NoError(t, err)
	assert.Len(t, pins, 2)

	assert.Equal(t, Pin{Name: "numpy"}, pins[0], "a bare name pins presence only")
	assert.Equal(t, Pin{Name: "pandas", Version: "2.2.1"}, pins[1])
}

func TestNormalizePackageName(t *testing.T) {
	assert.Equal(t, "scikit-learn", NormalizePackageName("Scikit_Learn"))
	assert.Equal(t, "numpy", NormalizePackageName("  numpy "))
}

func TestPinAuditor(t *testing.T) {
	pins := []byte(`
numpy=1.26.4=py311h64a7726_0
pandas=2.2.1=py311h320fe9a_0
scikit_learn=1.4.0=py311h
`)

	auditor, err := NewPinAuditor(pins, func(ctx context.Context, image string) (map[string]string, error) {
		return map[string]string{
			"numpy":        "1.26.4",
			"Scikit-Learn": "1.4.0",
		}, nil
	})
	assert.NoError(t, err)

	report, err := auditor.Audit(context.Background(), "app:v1")
	assert.NoError(t, err)
	assert.True(t, report.Failed())
	assert.Equal(t, 3, report.Pinned)
	assert.Equal(t, []string{"pandas"}, report.Missing)
}

func TestPinAuditor_AllPresent(t *testing.T) {
	auditor, err := NewPinAuditor([]byte("numpy=1.26.4\n"), func(ctx context.Context, image string) (map[string]string, error) {
		return map[string]string{"numpy": "1.26.4", "extra": "0.1"}, nil
	})
	assert.NoError(t, err)

	report, err := auditor.Audit(context.Background(), "app:v1")
	assert.NoError(t, err)
	assert.False(t, report.Failed())

	var buf bytes.Buffer
	report.Write(&buf, "app:v1")
	assert.Contains(t, buf.String(), "all 1 pinned packages present")
}

func TestPinAuditor_Ignore(t *testing.T) {
	pins := []byte("numpy=1.26.4\ncudatoolkit=12.1\n")

	auditor, err := NewPinAuditor(pins, func(ctx context.Context, image string) (map[string]string, error) {
		return map[string]string{"numpy": "1.26.4"}, nil
	}, "CUDAToolkit")
	assert.NoError(t, err)

	report, err := auditor.Audit(context.Background(), "app:v1")
	assert.NoError(t, err)
	assert.False(t, report.Failed(), "ignored packages are not required")
	assert.Equal(t, 1, report.Pinned)
}

func TestPinAuditor_ListError(t *testing.T) {
	auditor, err := NewPinAuditor([]byte("numpy=1\n"), func(ctx context.Context, image string) (map[string]string, error) {
		return nil, errors.New("image not found")
	})
	assert.NoError(t, err)

	_, err = auditor.Audit(context.Background(), "app:v1")
	assert.ErrorContains(t, err, "image not found")
}
