package main

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/coder/quartz"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeDeleter struct {
	cutoff time.Time
	keep   bool
	n      int64
	err    error
}

func (f *fakeDeleter) DeleteBefore(_ context.Context, cutoff time.Time, keep bool) (int64, error) {
	f.cutoff, f.keep = cutoff, keep
	return f.n, f.err
}

func TestParseFlags(t *testing.T) {
	var stderr bytes.Buffer
	opts, err := parseFlags([]string{"-d", "30", "--keep-unique", "-c", "x.json"}, &stderr)
	require.NoError(t, err)
	assert.Equal(t, options{days: 30, keepUnique: true, configPath: "x.json"}, opts)

	opts, err = parseFlags([]string{"--days", "36500"}, &stderr)
	require.NoError(t, err)
	assert.Equal(t, 36500, opts.days)
	assert.Equal(t, "config/config.json", opts.configPath)

	for _, args := range [][]string{
		nil,
		{"--keep-unique"},
		{"--days", "0"},
		{"--days", "36501"},
		{"--days", "150000"},
		{"--days", "-3"},
		{"extra"},
		{"--unknown"},
	} {
		_, err := parseFlags(args, &stderr)
		assert.Error(t, err, args)
	}
}

func TestHelpExitsCleanly(t *testing.T) {
	var stdout, stderr bytes.Buffer
	assert.Equal(t, 0, run([]string{"--help"}, &stdout, &stderr))
	assert.Contains(t, stderr.String(), "--keep-unique")
}

func TestCleanCutoffForLongWindows(t *testing.T) {
	clock := quartz.NewMock(t)
	d := &fakeDeleter{}
	var stdout, stderr bytes.Buffer

	require.Equal(t, 0, clean(context.Background(), d, clock, options{days: 36500}, &stdout, &stderr))
	assert.True(t, d.cutoff.Before(clock.Now()), "cutoff %s is in the past", d.cutoff)
	assert.Equal(t, clock.Now().UTC().AddDate(0, 0, -36500), d.cutoff)
}

func TestClean(t *testing.T) {
	clock := quartz.NewMock(t)
	d := &fakeDeleter{n: 12}
	var stdout, stderr bytes.Buffer

	code := clean(context.Background(), d, clock, options{days: 7, keepUnique: true}, &stdout, &stderr)
	require.Equal(t, 0, code)
	assert.Equal(t, time.Date(2023, 12, 25, 0, 0, 0, 0, time.UTC), d.cutoff)
	assert.True(t, d.keep)
	assert.Equal(t, "deleted 12 page views older than 2023-12-25T00:00:00Z\n", stdout.String())
	assert.Empty(t, stderr.String())
}

func TestCleanFailure(t *testing.T) {
	d := &fakeDeleter{err: errors.New("db down")}
	var stdout, stderr bytes.Buffer

	code := clean(context.Background(), d, quartz.NewMock(t), options{days: 1}, &stdout, &stderr)
	assert.Equal(t, 1, code)
	assert.Empty(t, stdout.String())
	assert.Contains(t, stderr.String(), "db down")
}
