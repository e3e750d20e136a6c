package worker

import (
	"context"

	"go.uber.org/zap"

	"github.com/JakeFAU/sukta/internal/logging"
	"github.com/JakeFAU/sukta/internal/qa"
)

// AnswerRecorder drives the question state machine. lifecycle.QuestionManager
// satisfies it.
type AnswerRecorder interface {
	BeginProcessing(ctx context.Context, id string) error
	CompleteAnswer(ctx context.Context, id, answer string) error
	FailAnswer(ctx context.Context, id, reason string) error
}

type answerProcessor struct {
	questions AnswerRecorder
	generator qa.Generator
}

// NewAnswerWorker builds a worker that answers questions.
func NewAnswerWorker(
	queue qa.Queue,
	questions AnswerRecorder,
	generator qa.Generator,
	cfg Config,
	logger *zap.Logger,
) *Worker {
	return newWorker(qa.JobAnswer, queue, &answerProcessor{
		questions: questions,
		generator: generator,
	}, cfg, logger)
}

func (p *answerProcessor) process(ctx context.Context, job qa.Job, w *Worker) error {
	payload := job.Answer
	logger := logging.FromContext(ctx, w.logger).With(zap.String("question_id", payload.QuestionID))

	beginCtx, bcancel := w.writeContext(ctx)
	err := p.questions.BeginProcessing(beginCtx, payload.QuestionID)
	bcancel()
	if err != nil {
		return err
	}

	callCtx, cancel := w.callContext(ctx)
	answer, genErr := guard(func() (string, error) {
		return p.generator.Answer(callCtx, payload.Content, payload.Question)
	})
	cancel()
	if genErr != nil && interrupted(ctx) {
		return errInterrupted
	}

	writeCtx, wcancel := w.writeContext(ctx)
	defer wcancel()

	if genErr != nil {
		logger.Warn("answer generation failed", zap.Error(genErr))
		return p.questions.FailAnswer(writeCtx, payload.QuestionID, "AI processing failed: "+describe(genErr, w.cfg.CallTimeout))
	}
	logger.Info("answer generated", zap.Int("chars", len(answer)))
	return p.questions.CompleteAnswer(writeCtx, payload.QuestionID, answer)
}
