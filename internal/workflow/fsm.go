package workflow

import (
	"fmt"
	"slices"

	"jobboard/models"
)

type transitionRule struct {
	next  []models.JobStatus
	event string
}

// jobTransitions - единственная таблица переходов статуса заказа.
// event - событие, которое публикуется при входе в статус.
var jobTransitions = map[models.JobStatus]transitionRule{
	models.JobPending: {
		next:  []models.JobStatus{models.JobWaitingForPayment, models.JobAssigned, models.JobCancelled},
		event: EventJobPosted,
	},
	models.JobWaitingForPayment: {
		next:  []models.JobStatus{models.JobAssigned, models.JobCancelled},
		event: EventJobAssigned,
	},
	models.JobAssigned: {
		next:  []models.JobStatus{models.JobInProgress, models.JobCancelled},
		event: EventJobAssigned,
	},
	models.JobInProgress: {
		next:  []models.JobStatus{models.JobCompletionPendingApproval},
		event: EventJobStarted,
	},
	models.JobCompletionPendingApproval: {
		next:  []models.JobStatus{models.JobCompleted, models.JobInProgress},
		event: EventJobCompletionSubmitted,
	},
	models.JobCompleted: {event: EventJobCompleted},
	models.JobCancelled: {event: EventJobCancelled},
}

// CanTransition проверяет, разрешен ли переход между статусами
func CanTransition(from, to models.JobStatus) bool {
	rule, ok := jobTransitions[from]
	return ok && slices.Contains(rule.next, to)
}

// Terminal - из статуса нет переходов
func Terminal(status models.JobStatus) bool {
	return len(jobTransitions[status].next) == 0
}

// transition переводит заказ в статус to и возвращает событие для публикации.
// Назначенный техник должен быть выставлен вызывающим до перехода из PENDING.
func transition(job *models.Job, to models.JobStatus) (string, error) {
	if !CanTransition(job.Status, to) {
		return "", invalidStateError("job %s cannot move from %s to %s", job.JobNumber, job.Status, to)
	}
	job.Status = to
	if to == models.JobCancelled || to == models.JobPending {
		job.AssignedTechnicianID = nil
	}
	if err := checkAssignment(job); err != nil {
		return "", err
	}
	return jobTransitions[to].event, nil
}

// checkAssignment: техник назначен тогда и только тогда, когда статус не PENDING и не CANCELLED
func checkAssignment(job *models.Job) error {
	unassigned := job.Status == models.JobPending || job.Status == models.JobCancelled
	if unassigned != (job.AssignedTechnicianID == nil) {
		return internalError(fmt.Errorf("job %d: assignment does not match status %s", job.ID, job.Status))
	}
	return nil
}
