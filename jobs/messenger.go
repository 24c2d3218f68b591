/*
Copyright 2021 The Kubernetes Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package jobs

// Messenger notifies an app's channel about a job's progress. Sends
// never affect job state; a failed send is logged by the caller and the
// job carries on without the message.
type Messenger interface {
	// SendJobCreated announces the job and asks its approvers to react.
	// The returned MsgID is recorded on the job so reactions can be
	// correlated back to it.
	SendJobCreated(job Job) (MsgID, error)
	// SendJobApproved announces in the job's thread that approval is
	// complete and execution is starting.
	SendJobApproved(job Job) (MsgID, error)
	// SendJobFailed announces in the job's thread that the job failed
	// permanently.
	SendJobFailed(job Job) (MsgID, error)
	// SendJobDone announces in the job's thread that the merge succeeded.
	SendJobDone(job Job) (MsgID, error)
}
