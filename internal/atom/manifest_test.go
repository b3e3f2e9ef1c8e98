package atom

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"
	_ "time/tzdata"

	"github.com/joshrwolf/atoms/internal/config"
	"github.com/joshrwolf/atoms/internal/isolation"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeManifest(t *testing.T, paths config.Paths, rel, content string) {
	t.Helper()
	dir := paths.AtomPath(rel)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ManifestFile), []byte(content), 0o644))
}

func TestSaveLoad_RoundTrip(t *testing.T) {
	paths := testPaths(t)

	a, err := New(paths, Params{
		Name:           "dev",
		DistributionID: "ubuntu",
		RelativePath:   "1234.atom",
		CreationDate:   created,
		UpdateDate:     created.Add(90 * time.Minute),
		BindThemes:     true,
		BindFonts:      true,
		ExtraMounts:    []isolation.Bind{{Host: "/home/me/src", Guest: "/src"}},
	})
	require.NoError(t, err)
	require.NoError(t, a.Save())

	got, err := Load(paths, "1234.atom")
	require.NoError(t, err)

	assert.Equal(t, a.Name(), got.Name())
	assert.True(t, a.CreationDate().Equal(got.CreationDate()))
	assert.True(t, a.UpdateDate().Equal(got.UpdateDate()))
	assert.Equal(t, a.Backend(), got.Backend())
	assert.Equal(t, a.BindMounts(), got.BindMounts())
}

func TestSave_Format(t *testing.T) {
	paths := testPaths(t)

	a, err := New(paths, Params{Name: "dev", DistributionID: "fedora", RelativePath: "f.atom", CreationDate: created})
	require.NoError(t, err)
	require.NoError(t, a.Save())

	data, err := os.ReadFile(filepath.Join(paths.AtomPath("f.atom"), ManifestFile))
	require.NoError(t, err)

	var raw map[string]any
	require.NoError(t, json.Unmarshal(data, &raw))

	assert.Equal(t, map[string]any{
		"name":            "dev",
		"distributionId":  "fedora",
		"relativePath":    "f.atom",
		"creationDate":    created.Format("2006-01-02T15:04:05.000000-07:00"),
		"updateDate":      created.Format("2006-01-02T15:04:05.000000-07:00"),
		"bindThemes":      false,
		"bindIcons":       false,
		"bindFonts":       false,
		"bindExtraMounts": []any{},
	}, raw)
}

func TestSave_ExtraMountPairs(t *testing.T) {
	paths := testPaths(t)

	a, err := New(paths, Params{
		Name:         "dev",
		RelativePath: "m.atom",
		ExtraMounts:  []isolation.Bind{{Host: "/a", Guest: "/b"}},
	})
	require.NoError(t, err)
	require.NoError(t, a.Save())

	data, err := os.ReadFile(filepath.Join(paths.AtomPath("m.atom"), ManifestFile))
	require.NoError(t, err)
	assert.Contains(t, string(data), `"bindExtraMounts":[["/a","/b"]]`)
}

func TestSave_NonChroot(t *testing.T) {
	paths := testPaths(t)

	container, err := New(paths, Params{Name: "box", ContainerID: "id"})
	require.NoError(t, err)

	assert.ErrorIs(t, container.Save(), ErrUnsupportedPersistenceTarget)
	assert.ErrorIs(t, PassThrough(paths).Save(), ErrUnsupportedPersistenceTarget)

	_, err = os.Stat(paths.AtomsDir)
	assert.True(t, os.IsNotExist(err), "nothing may be written for non-chroot atoms")
}

func TestLoad_OptionalFieldsDefault(t *testing.T) {
	paths := testPaths(t)
	writeManifest(t, paths, "old.atom", `{
		"name": "legacy",
		"distributionId": "debian",
		"relativePath": "old.atom",
		"creationDate": "2022-01-01T10:00:00",
		"updateDate": "2022-01-02T10:00:00.5"
	}`)

	a, err := Load(paths, "old.atom")
	require.NoError(t, err)

	c := a.Backend().(Chroot)
	assert.False(t, c.BindThemes)
	assert.False(t, c.BindIcons)
	assert.False(t, c.BindFonts)
	assert.Empty(t, c.ExtraMounts)
	assert.True(t, time.Date(2022, 1, 1, 10, 0, 0, 0, time.Local).Equal(a.CreationDate()))
	assert.True(t, time.Date(2022, 1, 2, 10, 0, 0, 500000000, time.Local).Equal(a.UpdateDate()))
}

func TestLoad_RFC3339Dates(t *testing.T) {
	paths := testPaths(t)
	writeManifest(t, paths, "r.atom", `{
		"name": "r",
		"distributionId": "debian",
		"relativePath": "r.atom",
		"creationDate": "2022-01-01T10:00:00Z",
		"updateDate": "2022-01-01T12:00:00+02:00"
	}`)

	a, err := Load(paths, "r.atom")
	require.NoError(t, err)
	assert.True(t, a.CreationDate().Equal(a.UpdateDate()))
}

func TestSaveLoad_AmbiguousLocalHour(t *testing.T) {
	ny, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)

	local := time.Local
	time.Local = ny
	t.Cleanup(func() { time.Local = local })

	paths := testPaths(t)
	// 01:30 EST, the second 01:30 of the fall-back night
	when := time.Date(2024, 11, 3, 6, 30, 0, 0, time.UTC)

	a, err := New(paths, Params{Name: "dst", DistributionID: "d", RelativePath: "dst.atom", CreationDate: when})
	require.NoError(t, err)
	require.NoError(t, a.Save())

	loaded, err := Load(paths, "dst.atom")
	require.NoError(t, err)
	assert.True(t, when.Equal(loaded.CreationDate()), "got %s", loaded.CreationDate().UTC())
	assert.True(t, when.Equal(loaded.UpdateDate()))
}

func TestLoad_NotFound(t *testing.T) {
	_, err := Load(testPaths(t), "missing.atom")
	assert.ErrorIs(t, err, ErrManifestNotFound)
}

func TestLoad_Malformed(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{name: "torn write", content: `{"name": "dev", "distri`},
		{name: "empty file", content: ``},
		{name: "missing name", content: `{"distributionId": "d", "relativePath": "x.atom", "creationDate": "2022-01-01T10:00:00", "updateDate": "2022-01-01T10:00:00"}`},
		{name: "missing updateDate", content: `{"name": "n", "distributionId": "d", "relativePath": "x.atom", "creationDate": "2022-01-01T10:00:00"}`},
		{name: "null distribution", content: `{"name": "n", "distributionId": null, "relativePath": "x.atom", "creationDate": "2022-01-01T10:00:00", "updateDate": "2022-01-01T10:00:00"}`},
		{name: "bad date", content: `{"name": "n", "distributionId": "d", "relativePath": "x.atom", "creationDate": "yesterday", "updateDate": "2022-01-01T10:00:00"}`},
		{name: "blank name", content: `{"name": "  ", "distributionId": "d", "relativePath": "x.atom", "creationDate": "2022-01-01T10:00:00", "updateDate": "2022-01-01T10:00:00"}`},
		{name: "bad mount pair", content: `{"name": "n", "distributionId": "d", "relativePath": "x.atom", "creationDate": "2022-01-01T10:00:00", "updateDate": "2022-01-01T10:00:00", "bindExtraMounts": [["/only-host"]]}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			paths := testPaths(t)
			writeManifest(t, paths, "x.atom", tt.content)

			_, err := Load(paths, "x.atom")
			assert.ErrorIs(t, err, ErrMalformedManifest)
		})
	}
}

func TestLoadAll(t *testing.T) {
	paths := testPaths(t)

	newer, err := New(paths, Params{Name: "newer", DistributionID: "d", RelativePath: "b.atom", CreationDate: created.Add(time.Hour)})
	require.NoError(t, err)
	require.NoError(t, newer.Save())

	older, err := New(paths, Params{Name: "older", DistributionID: "d", RelativePath: "a.atom", CreationDate: created})
	require.NoError(t, err)
	require.NoError(t, older.Save())

	writeManifest(t, paths, "broken.atom", `{`)
	require.NoError(t, os.MkdirAll(filepath.Join(paths.AtomsDir, "unrelated"), 0o755))

	atoms, err := LoadAll(context.Background(), paths)
	require.NoError(t, err)
	require.Len(t, atoms, 2)
	assert.Equal(t, "older", atoms[0].Name())
	assert.Equal(t, "newer", atoms[1].Name())
}

func TestLoadAll_NoAtomsDir(t *testing.T) {
	atoms, err := LoadAll(context.Background(), testPaths(t))
	require.NoError(t, err)
	assert.Empty(t, atoms)
}
