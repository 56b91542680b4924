package confcheck

import (
	"bytes"
	"go/parser"
	"go/printer"
	"go/token"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/tools/imports"
)

const (
	goFileSuffixConstant              = ".go"
	retiredOperatorLinksPathConstant  = "github.com/ianbuss/airflow/pkg/operators/links"
	relocatedOperatorLinksPathConstant = "github.com/ianbuss/airflow/pkg/links"
	retiredDefaultViewPathConstant    = "github.com/ianbuss/airflow/pkg/dag/defaultview"
)

// deprecatedImportPaths maps retired import paths to their replacements. An
// empty replacement marks a removed package with no relocated home; those
// findings cannot be fixed automatically.
var deprecatedImportPaths = map[string]string{
	retiredOperatorLinksPathConstant: relocatedOperatorLinksPathConstant,
	retiredDefaultViewPathConstant:   "",
}

// ImportFinding reports one deprecated import in a Go source file.
type ImportFinding struct {
	FilePath    string
	Line        int
	ImportPath  string
	Replacement string
}

// Fixable reports whether the finding has a relocated path to rewrite to.
func (finding ImportFinding) Fixable() bool {
	return len(finding.Replacement) > 0
}

// LintImports walks the given roots and reports deprecated imports in every
// Go source file found.
func LintImports(rootPaths []string) ([]ImportFinding, error) {
	var findings []ImportFinding
	for _, rootPath := range rootPaths {
		walkError := filepath.WalkDir(rootPath, func(path string, entry fs.DirEntry, entryError error) error {
			if entryError != nil {
				return entryError
			}
			if entry.IsDir() || !strings.HasSuffix(path, goFileSuffixConstant) {
				return nil
			}
			fileFindings, lintError := lintFileImports(path)
			if lintError != nil {
				return lintError
			}
			findings = append(findings, fileFindings...)
			return nil
		})
		if walkError != nil {
			return nil, walkError
		}
	}
	return findings, nil
}

func lintFileImports(path string) ([]ImportFinding, error) {
	fileSet := token.NewFileSet()
	parsedFile, parseError := parser.ParseFile(fileSet, path, nil, parser.ImportsOnly)
	if parseError != nil {
		return nil, parseError
	}

	var findings []ImportFinding
	for _, importSpec := range parsedFile.Imports {
		if importSpec.Path == nil {
			continue
		}
		importPath := strings.Trim(importSpec.Path.Value, `"`)
		replacement, deprecated := deprecatedImportPaths[importPath]
		if !deprecated {
			continue
		}
		findings = append(findings, ImportFinding{
			FilePath:    path,
			Line:        fileSet.Position(importSpec.Path.Pos()).Line,
			ImportPath:  importPath,
			Replacement: replacement,
		})
	}
	return findings, nil
}

// FixImports rewrites fixable deprecated imports in the given roots and
// reports every finding, fixed or not. Rewritten files are reformatted.
func FixImports(rootPaths []string) ([]ImportFinding, error) {
	findings, lintError := LintImports(rootPaths)
	if lintError != nil {
		return nil, lintError
	}

	fixableFiles := map[string]bool{}
	for _, finding := range findings {
		if finding.Fixable() {
			fixableFiles[finding.FilePath] = true
		}
	}
	for filePath := range fixableFiles {
		if rewriteError := rewriteFileImports(filePath); rewriteError != nil {
			return nil, rewriteError
		}
	}
	return findings, nil
}

func rewriteFileImports(absolutePath string) error {
	original, readError := os.ReadFile(absolutePath)
	if readError != nil {
		return readError
	}

	fileSet := token.NewFileSet()
	astFile, parseError := parser.ParseFile(fileSet, absolutePath, original, parser.ParseComments)
	if parseError != nil {
		return parseError
	}

	didChange := false
	for _, importSpec := range astFile.Imports {
		if importSpec.Path == nil {
			continue
		}
		importPath := strings.Trim(importSpec.Path.Value, `"`)
		replacement, deprecated := deprecatedImportPaths[importPath]
		if !deprecated || len(replacement) == 0 {
			continue
		}
		importSpec.Path.Value = `"` + replacement + `"`
		didChange = true
	}
	if !didChange {
		return nil
	}

	var formattedBuffer bytes.Buffer
	printerConfiguration := &printer.Config{Mode: printer.TabIndent | printer.UseSpaces, Tabwidth: 8}
	if printError := printerConfiguration.Fprint(&formattedBuffer, fileSet, astFile); printError != nil {
		return printError
	}

	formatted, formatError := imports.Process(absolutePath, formattedBuffer.Bytes(), &imports.Options{
		Comments:  true,
		TabIndent: true,
		TabWidth:  8,
	})
	if formatError != nil {
		return formatError
	}

	mode := filePermissionsOrDefault(absolutePath, 0o644)
	return os.WriteFile(absolutePath, formatted, mode)
}

func filePermissionsOrDefault(path string, fallback fs.FileMode) fs.FileMode {
	info, statError := os.Stat(path)
	if statError != nil {
		return fallback
	}
	if info.Mode().Perm() == 0 {
		return fallback
	}
	return info.Mode().Perm()
}
