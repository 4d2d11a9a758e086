package assistant

import "github.com/eapache/go-resiliency/retrier"

func retrierSucceed() retrier.Action { return retrier.Succeed }
func retrierRetry() retrier.Action   { return retrier.Retry }
func retrierFail() retrier.Action    { return retrier.Fail }
