package htaccess

import "strings"

const (
	BeginMarker = "# BEGIN AnyCache"
	EndMarker   = "# END AnyCache"
)

// Splice 用 block 替换 content 中的托管区段；不存在时将其插入文件开头。
// block 可以带或不带首尾标记。
func Splice(content, block string) string {
	section := wrap(block)
	start, end, ok := locate(content)
	if !ok {
		if content == "" {
			return section
		}
		return section + "\n" + content
	}
	return content[:start] + section + content[end:]
}

// Strip 删除托管区段及其后紧随的空行。
func Strip(content string) string {
	start, end, ok := locate(content)
	if !ok {
		return content
	}
	rest := content[end:]
	if start == 0 {
		rest = strings.TrimPrefix(rest, "\n")
	}
	return content[:start] + rest
}

// Managed 返回托管区段内部的内容，不含标记行。
func Managed(content string) (string, bool) {
	start, end, ok := locate(content)
	if !ok {
		return "", false
	}
	inner := content[start+len(BeginMarker) : end]
	inner = strings.TrimSuffix(inner, "\n")
	inner = strings.TrimSuffix(inner, EndMarker)
	return strings.Trim(inner, "\n"), true
}

// locate 返回托管区段的字节范围，end 包含结束标记后的换行。
func locate(content string) (int, int, bool) {
	start := strings.Index(content, BeginMarker)
	if start < 0 {
		return 0, 0, false
	}
	rel := strings.Index(content[start:], EndMarker)
	if rel < 0 {
		return 0, 0, false
	}
	end := start + rel + len(EndMarker)
	if end < len(content) && content[end] == '\n' {
		end++
	}
	return start, end, true
}

func wrap(block string) string {
	inner := strings.TrimSpace(block)
	inner = strings.TrimPrefix(inner, BeginMarker)
	inner = strings.TrimSuffix(inner, EndMarker)
	inner = strings.Trim(inner, "\n")

	var b strings.Builder
	b.WriteString(BeginMarker)
	b.WriteString("\n")
	if inner != "" {
		b.WriteString(inner)
		b.WriteString("\n")
	}
	b.WriteString(EndMarker)
	b.WriteString("\n")
	return b.String()
}
