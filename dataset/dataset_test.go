package dataset

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/require"
	lineagecache "github.com/wolfeidau/lineage-cache"
)

const twoTrees = "((A:1,B:1):1,C:2);\n((A:1,C:1):1,B:2);\n"

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

type fakeFetcher struct {
	local string
	keys  []string
	err   error
}

func (f *fakeFetcher) FetchWithCache(_ context.Context, remoteKey string) (string, error) {
	f.keys = append(f.keys, remoteKey)
	return f.local, f.err
}

func TestFileLoader_Newick(t *testing.T) {
	path := writeFile(t, t.TempDir(), "trees.nwk", twoTrees)
	mtime := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, os.Chtimes(path, mtime, mtime))

	h, modTime, err := NewFileLoader().Load(context.Background(), path)
	require.NoError(t, err)
	require.True(t, modTime.Equal(mtime))

	ts, ok := h.(*TreeSet)
	require.True(t, ok)
	require.Equal(t, 2, ts.Len())
	require.Equal(t, FormatNewick, ts.Format())
	require.Equal(t, int64(len(twoTrees)), ts.SizeBytes())
}

func TestFileLoader_Tables(t *testing.T) {
	dir := t.TempDir()

	csvPath := writeFile(t, dir, "meta.csv", "sample,country\nA,NZ\nB,AU\n")
	h, _, err := NewFileLoader().Load(context.Background(), csvPath)
	require.NoError(t, err)
	table := h.(*Table)
	require.Equal(t, FormatCSV, table.Format())
	require.Equal(t, []string{"sample", "country"}, table.Columns)
	require.Len(t, table.Rows, 2)

	values, err := table.Column("country")
	require.NoError(t, err)
	require.Equal(t, []string{"NZ", "AU"}, values)

	_, err = table.Column("missing")
	require.ErrorIs(t, err, ErrUnknownColumn)

	tsvPath := writeFile(t, dir, "meta.tsv", "sample\tdate\nA\t2020-01-01\nB\n")
	h, _, err = NewFileLoader().Load(context.Background(), tsvPath)
	require.NoError(t, err)
	values, err = h.(*Table).Column("date")
	require.NoError(t, err)
	require.Equal(t, []string{"2020-01-01", ""}, values)
}

func TestFileLoader_Compressed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trees.nwk.zst")
	f, err := os.Create(path)
	require.NoError(t, err)
	enc, err := zstd.NewWriter(f)
	require.NoError(t, err)
	_, err = enc.Write([]byte(twoTrees))
	require.NoError(t, err)
	require.NoError(t, enc.Close())
	require.NoError(t, f.Close())

	h, _, err := NewFileLoader().Load(context.Background(), path)
	require.NoError(t, err)
	require.Equal(t, 2, h.(*TreeSet).Len())
}

func TestFileLoader_Errors(t *testing.T) {
	dir := t.TempDir()
	loader := NewFileLoader(WithMaxBytes(8))

	_, _, err := loader.Load(context.Background(), filepath.Join(dir, "missing.nwk"))
	require.ErrorIs(t, err, fs.ErrNotExist)

	_, _, err = loader.Load(context.Background(), writeFile(t, dir, "notes.txt", "x"))
	require.ErrorIs(t, err, ErrUnsupportedFormat)

	_, _, err = loader.Load(context.Background(), writeFile(t, dir, "empty.nwk", "  \n"))
	require.ErrorIs(t, err, ErrEmptyDataset)

	_, _, err = loader.Load(context.Background(), writeFile(t, dir, "big.nwk", twoTrees))
	require.ErrorIs(t, err, ErrTooLarge)

	_, _, err = loader.Load(context.Background(), "remote://bucket/trees.nwk")
	require.ErrorIs(t, err, ErrNoFetcher)
}

func TestFileLoader_RemoteUsesFetcher(t *testing.T) {
	local := writeFile(t, t.TempDir(), "artifact", twoTrees)
	fetcher := &fakeFetcher{local: local}
	loader := NewFileLoader(WithFetcher(fetcher))

	h, _, err := loader.Load(context.Background(), "remote://genomes/run1/trees.nwk")
	require.NoError(t, err)
	require.Equal(t, 2, h.(*TreeSet).Len())
	require.Equal(t, "remote://genomes/run1/trees.nwk", h.Path())

	_, err = loader.ModTime(context.Background(), "remote://genomes/run1/trees.nwk")
	require.NoError(t, err)
	require.Equal(t, []string{"genomes/run1/trees.nwk", "genomes/run1/trees.nwk"}, fetcher.keys)

	fetcher.err = lineagecache.ErrTransient
	_, _, err = loader.Load(context.Background(), "remote://genomes/run1/trees.nwk")
	require.True(t, lineagecache.IsRetryable(err))
}

func TestCanonicalPath(t *testing.T) {
	abs, err := CanonicalPath("data/../trees.nwk")
	require.NoError(t, err)
	require.True(t, filepath.IsAbs(abs))
	require.Equal(t, "trees.nwk", filepath.Base(abs))

	remote, err := CanonicalPath("remote://bucket/a.nwk")
	require.NoError(t, err)
	require.Equal(t, "remote://bucket/a.nwk", remote)

	_, err = CanonicalPath("remote://bucket")
	require.Error(t, err)
	_, err = CanonicalPath("")
	require.Error(t, err)
}

func TestDeriveConfig(t *testing.T) {
	cfg, err := DeriveConfig(NewTreeSet("/d/t.nwk", 42, []string{"(A,B);", "(A,C);", "(B,C);"}), "/d/t.nwk")
	require.NoError(t, err)
	require.Equal(t, "newick", cfg["format"])
	require.Equal(t, 3, cfg["num_trees"])
	require.Equal(t, []int{0, 2}, cfg["tree_index_range"])
	require.Equal(t, int64(42), cfg["size_bytes"])

	cfg, err = DeriveConfig(NewTable("/d/m.csv", 10, FormatCSV, []string{"a", "b"}, [][]string{{"1", "2"}}), "/d/m.csv")
	require.NoError(t, err)
	require.Equal(t, []string{"a", "b"}, cfg["columns"])
	require.Equal(t, 1, cfg["num_rows"])
}

func TestNewickParser(t *testing.T) {
	ts := NewTreeSet("/d/t.nwk", 0, []string{"((A:1,B:1):1,C:2);", "(A,(B"})
	p := NewickParser{}

	g, err := p.Parse(context.Background(), ts, 0)
	require.NoError(t, err)
	require.Equal(t, 5, g.Len())

	for _, tc := range []struct {
		name  string
		index int
		want  error
	}{
		{name: "negative", index: -1, want: ErrIndexRange},
		{name: "past end", index: 2, want: ErrIndexRange},
		{name: "malformed", index: 1, want: lineagecache.ErrParse},
	} {
		t.Run(tc.name, func(t *testing.T) {
			_, err := p.Parse(context.Background(), ts, tc.index)
			require.ErrorIs(t, err, tc.want)
			require.ErrorIs(t, err, lineagecache.ErrParse)

			var pe *lineagecache.ParseError
			require.True(t, errors.As(err, &pe))
			require.Equal(t, tc.index, pe.Index)
		})
	}

	_, err = p.Parse(context.Background(), NewTable("/d/m.csv", 0, FormatCSV, nil, nil), 0)
	require.ErrorIs(t, err, ErrNotTrees)
}
