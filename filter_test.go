package zipstream

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/tj/assert"
)

type filterCase struct {
	Info Info
	Ok   bool
}

type filterCases []filterCase

func (cases filterCases) Test(t *testing.T, f Filter) {
	for _, c := range cases {
		info := c.Info.FileInfo()
		included := c.Ok

		t.Run(info.Name(), func(t *testing.T) {
			includedResult := !f.Match(info)

			if included == includedResult {
				return
			}

			s := "be filtered"
			if included {
				s = "not be filtered"
			}

			t.Fatalf("expected %q to %s", info.Name(), s)
		})
	}
}

func file(name string, ok bool) filterCase {
	return filterCase{
		Info: Info{
			Name: name,
		},
		Ok: ok,
	}
}

func TestFilterDotfiles(t *testing.T) {
	cases := filterCases{
		file("foo", true),
		file("foo/bar/baz", true),
		file(".envrc", false),
		file("build/.something", false),
		file(".git", false),
		file(".git/hooks", false),
		file(".git/hooks/pre-commit", false),
	}

	cases.Test(t, FilterDotfiles)
}

func TestFilterPatterns(t *testing.T) {
	cases := filterCases{
		file("server", true),
		file("main.go", false),
		file("Readme.md", false),
		file(".git", false),
	}

	patterns := strings.NewReader(`
.git
*.md
*.go
`)

	f, err := FilterPatterns(patterns)
	assert.NoError(t, err, "filter")

	cases.Test(t, f)
}

func TestFilterPatterns_negate(t *testing.T) {
	cases := filterCases{
		file("server", true),
		file("main.go", false),
		file("Readme.md", false),
		file(".git", false),
	}

	patterns := strings.NewReader(`
*
!server
`)

	f, err := FilterPatterns(patterns)
	assert.NoError(t, err, "filter")

	cases.Test(t, f)
}

func TestFilterPatternFiles(t *testing.T) {
	dir := t.TempDir()

	write := func(name, contents string) string {
		path := filepath.Join(dir, name)
		assert.NoError(t, os.WriteFile(path, []byte(contents), 0644), "write")
		return path
	}

	ignore := write(".gitignore", "*.md\n*.go\n")
	more := write(".upignore", ".envrc\n")
	missing := filepath.Join(dir, "nope")

	f, err := FilterPatternFiles(ignore, missing, more)
	assert.NoError(t, err, "filter")

	cases := filterCases{
		file("server", true),
		file("main.go", false),
		file("Readme.md", false),
		file(".envrc", false),
	}
	cases.Test(t, f)
}
