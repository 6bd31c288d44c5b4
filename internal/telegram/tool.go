package telegram

import "strings"

// MarkdownV2 中需要转义的字符
var markdownV2Replacer = strings.NewReplacer(
	`\`, `\\`,
	"_", `\_`, "*", `\*`, "[", `\[`, "]", `\]`, "(", `\(`, ")", `\)`,
	"~", `\~`, "`", "\\`", ">", `\>`, "#", `\#`, "+", `\+`, "-", `\-`,
	"=", `\=`, "|", `\|`, "{", `\{`, "}", `\}`, ".", `\.`, "!", `\!`,
)

// Escape 转义纯文本以便按 MarkdownV2 发送
func Escape(input string) string {
	return markdownV2Replacer.Replace(input)
}
