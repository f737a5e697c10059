package main

import (
	"bytes"
	"strings"
	"testing"

	"github.com/book-expert/tutor-tts-service/internal/core"
	"github.com/book-expert/tutor-tts-service/internal/router"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseFlags(t *testing.T) {
	t.Parallel()

	flags, err := parseFlags([]string{
		"--text", "Hello, world!", "--student", "s-1", "--voice", "laila", "--speed", "1.5",
	})
	require.NoError(t, err)

	assert.Equal(t, "Hello, world!", flags.text)
	assert.Equal(t, "s-1", flags.student)
	assert.Equal(t, defaultClientID, flags.client)
	assert.Equal(t, "laila", flags.voice)
	assert.InEpsilon(t, 1.5, flags.speed, 0.001)

	_, err = parseFlags([]string{"--speed", "fast"})
	require.Error(t, err)
}

func TestValidateFlags(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		flags   appFlags
		wantErr error
	}{
		{name: "text only", flags: appFlags{text: "some text"}},
		{name: "file only", flags: appFlags{file: "lines.txt"}},
		{name: "both", flags: appFlags{text: "some text", file: "lines.txt"}, wantErr: errBothInputs},
		{name: "neither", flags: appFlags{}, wantErr: errNoUtterances},
	}

	for _, testCase := range tests {
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()

			err := validateFlags(testCase.flags)
			if testCase.wantErr == nil {
				assert.NoError(t, err)

				return
			}

			assert.ErrorIs(t, err, testCase.wantErr)
		})
	}
}

func TestReadUtterances(t *testing.T) {
	t.Parallel()

	utterances, err := readUtterances(strings.NewReader("First line.\n\n   \n  Second line.  \n"))
	require.NoError(t, err)
	assert.Equal(t, []string{"First line.", "Second line."}, utterances)

	_, err = readUtterances(strings.NewReader("\n \n"))
	require.ErrorIs(t, err, errNoUtterances)
}

func TestCollectUtterancesFromText(t *testing.T) {
	t.Parallel()

	utterances, err := collectUtterances(appFlags{text: "Just this."})
	require.NoError(t, err)
	assert.Equal(t, []string{"Just this."}, utterances)

	_, err = collectUtterances(appFlags{file: t.TempDir() + "/missing.txt"})
	require.Error(t, err)
}

func TestPrintUsage(t *testing.T) {
	t.Parallel()

	var out bytes.Buffer

	printUsage(&out, router.View{
		Plan:         core.PlanPro,
		Status:       "Active Pro",
		TTSUsed:      1200,
		TTSLimit:     150000,
		UsingPremium: true,
	})

	assert.Equal(t, "Active Pro: 1200 of 150000 characters used, premium on\n", out.String())
}
