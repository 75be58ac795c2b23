package policy

import "strings"

// IsServiceAllowed сравнение без учета регистра: точное совпадение или вхождение
// подстроки в любую сторону ("openai.com" пропускает "api.openai.com").
// Пустой whitelist: открытая политика.
func IsServiceAllowed(whitelist []string, service string) bool {
	if len(whitelist) == 0 {
		return true
	}
	s := strings.ToLower(service)
	for _, w := range whitelist {
		// Пустая запись пропускала бы всё подряд
		w = strings.ToLower(strings.TrimSpace(w))
		if w == "" {
			continue
		}
		if s == w || strings.Contains(s, w) || strings.Contains(w, s) {
			return true
		}
	}
	return false
}
