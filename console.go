package apphost

import "fmt"

const maxLogEntries = 1000
const maxLogMessageSize = 4096

// setupConsole installs a Go-backed console that captures output into the
// app's current invocation log buffer.
func setupConsole(rt *jsRuntime, sink func(level, message string)) error {
	if err := rt.RegisterFunc("__console", func(level, message string) {
		sink(level, message)
	}); err != nil {
		return err
	}

	consoleJS := `
(function() {
	var levels = ['log', 'info', 'warn', 'error', 'debug'];
	var con = {};
	for (var i = 0; i < levels.length; i++) {
		(function(lvl) {
			con[lvl] = function() {
				var parts = [];
				for (var j = 0; j < arguments.length; j++) {
					var arg = arguments[j];
					if (typeof arg === 'object' && arg !== null) {
						try { parts.push(JSON.stringify(arg)); }
						catch (e) { parts.push('[object Object]'); }
					} else {
						parts.push(String(arg));
					}
				}
				__console(lvl, parts.join(' '));
			};
		})(levels[i]);
	}
	globalThis.console = con;
})();
`
	if err := rt.Eval(consoleJS); err != nil {
		return fmt.Errorf("evaluating console.js: %w", err)
	}
	return nil
}
