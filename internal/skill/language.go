package skill

import (
	"path"
	"strings"
)

var extLanguages = map[string]Language{
	".py":   LangPython,
	".pyw":  LangPython,
	".js":   LangJavaScript,
	".mjs":  LangJavaScript,
	".cjs":  LangJavaScript,
	".jsx":  LangJavaScript,
	".ts":   LangTypeScript,
	".tsx":  LangTypeScript,
	".mts":  LangTypeScript,
	".sh":   LangShell,
	".bash": LangShell,
	".zsh":  LangShell,
	".go":   LangGo,
	".rb":   LangRuby,
	".ps1":  LangPowerShell,
	".psm1": LangPowerShell,
	".pl":   LangPerl,
	".php":  LangPHP,

	".json": LangData,
	".yaml": LangData,
	".yml":  LangData,
	".toml": LangData,
	".ini":  LangData,
	".cfg":  LangData,
	".conf": LangData,
	".env":  LangData,
	".xml":  LangData,
	".csv":  LangData,
}

var docExts = map[string]DocKind{
	".md":       DocMarkdown,
	".markdown": DocMarkdown,
	".mdx":      DocMarkdown,
	".html":     DocHTML,
	".htm":      DocHTML,
	".txt":      DocText,
	".rst":      DocText,
}

var fenceLanguages = map[string]Language{
	"python": LangPython, "py": LangPython,
	"javascript": LangJavaScript, "js": LangJavaScript, "node": LangJavaScript,
	"typescript": LangTypeScript, "ts": LangTypeScript,
	"bash": LangShell, "sh": LangShell, "shell": LangShell, "zsh": LangShell, "console": LangShell,
	"go": LangGo, "golang": LangGo,
	"powershell": LangPowerShell, "ps1": LangPowerShell,
	"ruby": LangRuby,
}

// DetectLanguage classifies a file by extension, falling back to its shebang.
func DetectLanguage(name string, content string) Language {
	base := path.Base(name)
	if base == "Dockerfile" || base == "Makefile" {
		return LangShell
	}
	if lang, ok := extLanguages[strings.ToLower(path.Ext(base))]; ok {
		return lang
	}
	return shebangLanguage(content)
}

func shebangLanguage(content string) Language {
	if !strings.HasPrefix(content, "#!") {
		return LangUnknown
	}
	first, _, _ := strings.Cut(content, "\n")
	switch {
	case strings.Contains(first, "python"):
		return LangPython
	case strings.Contains(first, "node"), strings.Contains(first, "deno"), strings.Contains(first, "bun"):
		return LangJavaScript
	case strings.Contains(first, "bash"), strings.Contains(first, "/sh"), strings.Contains(first, "zsh"):
		return LangShell
	case strings.Contains(first, "ruby"):
		return LangRuby
	case strings.Contains(first, "perl"):
		return LangPerl
	}
	return LangUnknown
}

// FenceLanguage maps a fenced code block info string to a language.
func FenceLanguage(info string) (Language, bool) {
	word, _, _ := strings.Cut(strings.TrimSpace(info), " ")
	lang, ok := fenceLanguages[strings.ToLower(word)]
	return lang, ok
}

// IsCode reports whether a language is a programming language (not data).
func (l Language) IsCode() bool {
	return l != LangData && l != LangUnknown
}
