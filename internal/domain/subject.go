package domain

import "strings"

// SubjectKey joins a scope (tenant, guild, workspace) and an actor id into one subject id.
func SubjectKey(scope, actor string) string {
	return scope + ":" + actor
}

// SplitSubject is the inverse of SubjectKey. Subjects without a scope return an empty scope.
func SplitSubject(subject string) (scope, actor string) {
	i := strings.LastIndexByte(subject, ':')
	if i < 0 {
		return "", subject
	}
	return subject[:i], subject[i+1:]
}
