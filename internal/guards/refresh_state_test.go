package guards

import (
	"go/ast"
	"go/parser"
	"go/token"
	"path/filepath"
	"testing"
)

// TestAPIClientHasNoPackageState ensures refresh coordination lives on the
// Client instance. The only package-level variables allowed in apiclient are
// errors.New sentinels.
func TestAPIClientHasNoPackageState(t *testing.T) {
	root := findRepoRoot(t)

	walkGoFiles(t, root, filepath.Join("internal", "components", "apiclient"), func(path string) {
		fset := token.NewFileSet()
		file, err := parser.ParseFile(fset, path, nil, 0)
		if err != nil {
			t.Errorf("parse %s: %v", path, err)
			return
		}

		for _, decl := range file.Decls {
			gen, ok := decl.(*ast.GenDecl)
			if !ok || gen.Tok != token.VAR {
				continue
			}
			for _, spec := range gen.Specs {
				vs := spec.(*ast.ValueSpec)
				for i, name := range vs.Names {
					if name.Name == "_" {
						continue
					}
					if i < len(vs.Values) && isErrorsNew(vs.Values[i]) {
						continue
					}
					t.Errorf("%s: package-level variable %s in apiclient",
						fset.Position(name.Pos()), name.Name)
				}
			}
		}
	})
}

func isErrorsNew(expr ast.Expr) bool {
	call, ok := expr.(*ast.CallExpr)
	if !ok {
		return false
	}
	sel, ok := call.Fun.(*ast.SelectorExpr)
	if !ok {
		return false
	}
	pkg, ok := sel.X.(*ast.Ident)
	return ok && pkg.Name == "errors" && sel.Sel.Name == "New"
}
