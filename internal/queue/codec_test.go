package queue

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/sukta/internal/qa"
)

func TestEncodeDecode(t *testing.T) {
	t.Parallel()

	job := qa.NewAnswerJob(qa.AnswerJob{QuestionID: "q1", Content: "Example Domain", Question: "What?"})
	data, err := Encode(job, 3)
	require.NoError(t, err)
	require.JSONEq(t,
		`{"attempt":3,"job":{"kind":"answer","answer":{"questionId":"q1","content":"Example Domain","question":"What?"}}}`,
		string(data))

	env, err := Decode(data)
	require.NoError(t, err)
	require.Equal(t, 3, env.Attempt)
	require.Equal(t, job, env.Job)
}

func TestEncodeRejectsInvalidJob(t *testing.T) {
	t.Parallel()

	_, err := Encode(qa.Job{Kind: qa.JobScrape}, 1)
	require.Error(t, err)
}

func TestDecodeRejectsGarbage(t *testing.T) {
	t.Parallel()

	_, err := Decode([]byte("not json"))
	require.Error(t, err)
	_, err = Decode([]byte(`{"job":{"kind":"mystery"}}`))
	require.Error(t, err)

	env, err := Decode([]byte(`{"job":{"kind":"scrape","scrape":{"sessionId":"s","url":"https://example.com"}}}`))
	require.NoError(t, err)
	require.Equal(t, 1, env.Attempt)
}
