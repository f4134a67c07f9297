package apphost

import (
	"fmt"
	"strings"

	esbuild "github.com/evanw/esbuild/pkg/api"
)

// wrapESModule transforms an ES module source into a plain script that
// assigns its exports to globalThis.__app_module__. esbuild parses the JS
// AST and wraps the module as an IIFE whose value lands on the global name.
//
// If the source has no exports the wrapping is harmless. If esbuild reports
// errors, the source is returned unchanged so the VM surfaces the compile
// error with its own message.
func wrapESModule(source string) string {
	result := esbuild.Transform(source, esbuild.TransformOptions{
		Format:     esbuild.FormatIIFE,
		GlobalName: "globalThis.__app_module__",
		Target:     esbuild.ESNext,
	})
	if len(result.Errors) > 0 {
		return source
	}
	code := string(result.Code)
	// esbuild places the default export under a .default property when
	// converting ESM to IIFE. Unwrap it so the host finds the handler
	// directly on globalThis.__app_module__.
	code += "if(globalThis.__app_module__&&globalThis.__app_module__.default)globalThis.__app_module__=globalThis.__app_module__.default;\n"
	return code
}

// isESModule reports whether a script uses module syntax and needs the
// IIFE wrapping before it can run as a plain script.
func isESModule(source string) bool {
	return strings.Contains(source, "export default") ||
		strings.Contains(source, "export {") ||
		strings.Contains(source, "export{") ||
		strings.Contains(source, "import ")
}

// registerAppJS lets plain scripts hand the host a handler object without
// module syntax: registerApp({ fetch(request, env) { ... } }).
const registerAppJS = `
globalThis.registerApp = function(mod) {
	globalThis.__app_module__ = mod;
};
`

// loadHandler evaluates the app script and normalizes its handler to
// globalThis.__app_module__.fetch. ES modules get wrapped via esbuild;
// plain scripts may call registerApp instead.
func loadHandler(rt *jsRuntime, source string) error {
	if err := rt.Eval(registerAppJS); err != nil {
		return fmt.Errorf("installing registerApp: %w", err)
	}

	script := source
	if isESModule(source) {
		script = wrapESModule(source)
	}
	if err := rt.Eval(script); err != nil {
		return err
	}
	rt.RunMicrotasks()

	ok, err := rt.EvalBool(`(function() {
		var mod = globalThis.__app_module__;
		return !!(mod && typeof mod.fetch === 'function');
	})()`)
	if err != nil {
		return fmt.Errorf("inspecting app module: %w", err)
	}
	if !ok {
		return fmt.Errorf("script does not export a fetch handler")
	}
	return nil
}
