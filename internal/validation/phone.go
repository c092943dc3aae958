// Package validation содержит функции валидации входных данных.
package validation

import "regexp"

var phonePattern = regexp.MustCompile(`^\+254\d{9}$`)

// IsValidPhone проверяет номер телефона в формате +254XXXXXXXXX.
func IsValidPhone(phone string) bool {
	return phonePattern.MatchString(phone)
}
