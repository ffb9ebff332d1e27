package worker

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// ErrInvalidTransition 表示在错误的状态下调用了生命周期方法。
var ErrInvalidTransition = errors.New("invalid lifecycle transition")

// NetworkError 表示源站请求失败（离线、DNS、超时或非 2xx 的批量抓取）。
type NetworkError struct {
	URL string
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("network fetch %s: %v", e.URL, e.Err)
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

// StorageError 表示缓存代的读写失败。
type StorageError struct {
	Op    string
	Cache string
	Err   error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s %s: %v", e.Op, e.Cache, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// BatchError 汇总一次批量抓取中全部失败的 URL。
type BatchError struct {
	Total    int
	Failures map[string]error
}

func (e *BatchError) Error() string {
	urls := e.URLs()
	return fmt.Sprintf("batch fetch failed for %d/%d resources: %s", len(urls), e.Total, strings.Join(urls, ", "))
}

// URLs 返回失败的 URL，按字典序排列。
func (e *BatchError) URLs() []string {
	urls := make([]string, 0, len(e.Failures))
	for url := range e.Failures {
		urls = append(urls, url)
	}
	sort.Strings(urls)
	return urls
}

// Unwrap 让 errors.As 能够匹配到任意一个成员错误。
func (e *BatchError) Unwrap() []error {
	errs := make([]error, 0, len(e.Failures))
	for _, url := range e.URLs() {
		errs = append(errs, e.Failures[url])
	}
	return errs
}

func storageErr(op, name string, err error) error {
	if err == nil {
		return nil
	}
	var se *StorageError
	if errors.As(err, &se) {
		return err
	}
	return &StorageError{Op: op, Cache: name, Err: err}
}
