package repository

import "errors"

// ErrNotFound 记录不存在（或不属于给定归属方）
var ErrNotFound = errors.New("record not found")
