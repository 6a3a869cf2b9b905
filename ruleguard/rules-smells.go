//go:build ruleguard

// Package gorules holds the ruleguard checks run by gocritic:
//
//	gocritic check -enable ruleguard -@ruleguard.rules ruleguard/rules-smells.go ./...
package gorules

import "github.com/quasilyte/go-ruleguard/dsl"

func smells(m dsl.Matcher) {
	// consecutive guards with the same exit
	m.Match(`if $c1 { return $ret }; if $c2 { return $ret }`).
		Report(`two consecutive guards return the same value; consider merging conditions with ||`).
		Suggest(`if $c1 || $c2 { return $ret }`)

	m.Match(`if $c1 { continue }; if $c2 { continue }`).
		Report(`two consecutive continues; consider merging conditions with ||`).
		Suggest(`if $c1 || $c2 { continue }`)
}

// errorWrapping keeps causes reachable for errors.Is, which the API
// status mapping depends on.
func errorWrapping(m dsl.Matcher) {
	m.Match(`fmt.Errorf($f, $*_, $err)`).
		Where(m["err"].Type.Implements("error") && m["f"].Text.Matches(`%v"$`)).
		Report(`error formatted with %v; wrap it with %w`)

	m.Match(`errors.New(fmt.Sprintf($*args))`).
		Report(`use fmt.Errorf instead of errors.New(fmt.Sprintf(...))`).
		Suggest(`fmt.Errorf($args)`)
}

// logging routes output through the injected *slog.Logger.
func logging(m dsl.Matcher) {
	m.Match(`log.Printf($*_)`, `log.Println($*_)`, `log.Print($*_)`, `log.Fatalf($*_)`, `log.Fatal($*_)`).
		Where(!m.File().PkgPath.Matches(`/cmd/`)).
		Report(`use the injected *slog.Logger instead of the log package`)

	m.Match(`fmt.Println($*_)`, `fmt.Printf($*_)`).
		Where(!m.File().PkgPath.Matches(`/cmd/`) && !m.File().Name.Matches(`_test\.go$`)).
		Report(`library code must not print to stdout; log through slog`)

	m.Match(`slog.Info($*_)`, `slog.Warn($*_)`, `slog.Error($*_)`, `slog.Debug($*_)`).
		Where(!m.File().PkgPath.Matches(`/cmd/`) && !m.File().Name.Matches(`_test\.go$`)).
		Report(`use the component's logger, not the slog default`)
}

// contexts flags placeholders that drop cancellation.
func contexts(m dsl.Matcher) {
	m.Match(`context.TODO()`).
		Report(`pass the caller's context instead of context.TODO()`)
}
