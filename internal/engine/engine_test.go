package engine_test

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/ashureev/campusbot/internal/actions"
	"github.com/ashureev/campusbot/internal/challenge"
	"github.com/ashureev/campusbot/internal/classifier"
	"github.com/ashureev/campusbot/internal/domain"
	"github.com/ashureev/campusbot/internal/engine"
	"github.com/ashureev/campusbot/internal/logger"
	"github.com/ashureev/campusbot/internal/monitor"
	"github.com/ashureev/campusbot/internal/sanitizer"
	"github.com/ashureev/campusbot/internal/session"
)

const conv = "tg:100"

var _ = Describe("Engine", func() {
	var (
		ctx     context.Context
		cancel  context.CancelFunc
		clk     *clock
		store   *session.Store
		tr      *fakeTransport
		gw      *fakeGateway
		journal *fakeJournal
		tokens  *fakeTokens
		acts    *fakeActions
		san     *sanitizer.Sanitizer
		deps    engine.Deps
		cfg     engine.Config
		eng     *engine.Engine
		msgSeq  int
	)

	say := func(text string) {
		msgSeq++
		err := eng.Handle(ctx, domain.InboundEvent{
			ConversationID: conv,
			MessageID:      fmt.Sprintf("in-%d", msgSeq),
			Text:           text,
			ReceivedAt:     clk.Now(),
		})
		Expect(err).NotTo(HaveOccurred())
	}

	snapshot := func() domain.ConversationSession {
		sess, ok := store.Snapshot(conv)
		Expect(ok).To(BeTrue())
		return sess
	}

	expectedAnswer := func() string {
		sess := snapshot()
		Expect(sess.ActiveChallenge).NotTo(BeNil())
		return sess.ActiveChallenge.ExpectedAnswer
	}

	signIn := func() {
		say("hi")
		say("joao@inst.edu")
		Expect(engState(eng)).To(Equal(domain.StateAwaitingChallengeAnswer))
		say(expectedAnswer())
		Expect(engState(eng)).To(Equal(domain.StateAuthenticated))
	}

	build := func() {
		eng = engine.New(deps, cfg)
	}

	BeforeEach(func() {
		ctx, cancel = context.WithCancel(context.Background())
		clk = &clock{t: time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)}
		gen := challenge.NewGenerator(challenge.DefaultPolicy(), fixedRand{}, clk.Now)
		machine := session.NewMachine(session.MachineConfig{RetryLimit: 3, InactivityTimeout: 10 * time.Minute}, gen, clk.Now)
		store = session.NewStore(machine, clk.Now)
		tr = &fakeTransport{}
		gw = &fakeGateway{students: map[string]domain.StudentRef{
			"joao@inst.edu": {StudentID: "42", Name: "Joao", Email: "joao@inst.edu", RegistrationID: "RA2023001", CourseID: "CS", ClassSection: "A"},
		}}
		journal = &fakeJournal{}
		tokens = &fakeTokens{}
		acts = &fakeActions{}
		san = sanitizer.New(store, tr, journal, sanitizer.Config{MaxAttempts: 3, Workers: 2, Rate: 1000, BaseDelay: time.Millisecond}, nil)
		runCtx, runSan := ctx, san
		go func() { _ = runSan.Run(runCtx) }()

		deps = engine.Deps{
			Store:      store,
			Classifier: classifier.NewKeywords(),
			Gateway:    gw,
			Transport:  tr,
			Sanitizer:  san,
			Tokens:     tokens,
			Actions:    acts,
			Journal:    journal,
		}
		cfg = engine.Config{
			InactivityTimeout: 10 * time.Minute,
			InboundRate:       1000,
			InboundBurst:      1000,
			Now:               clk.Now,
			Location:          time.UTC,
		}
		msgSeq = 0
		build()
	})

	AfterEach(func() {
		cancel()
	})

	Describe("gatekeeping", func() {
		It("redirects a protected intent into the authentication flow", func() {
			say("show my grades")

			Expect(engState(eng)).To(Equal(domain.StateAwaitingEmail))
			Expect(tr.Last(conv)).To(HavePrefix("You need to sign in"))
			Expect(acts.Requests()).To(BeEmpty())
		})

		It("answers unknown intents with a fallback and keeps the session", func() {
			say("purple monkey dishwasher")

			Expect(engState(eng)).To(Equal(domain.StateUnauthenticated))
			Expect(tr.Last(conv)).To(HavePrefix("Sorry, I didn't get that"))
		})

		It("answers help without starting a round", func() {
			say("help")

			Expect(engState(eng)).To(Equal(domain.StateUnauthenticated))
			Expect(tr.Last(conv)).To(ContainSubstring("grades"))
		})

		It("tells an unauthenticated user there is nothing to log out of", func() {
			say("log out")
			Expect(tr.Last(conv)).To(Equal("You're not signed in."))
		})
	})

	Describe("authentication", func() {
		It("signs in with a greeting, an email and the right answer", func() {
			say("bom dia")
			Expect(tr.Last(conv)).To(HavePrefix("Good morning!"))

			say("joao@inst.edu")
			Expect(engState(eng)).To(Equal(domain.StateAwaitingChallengeAnswer))
			Expect(tr.Last(conv)).To(HavePrefix("Hi Joao! To confirm it's you:"))

			sess := snapshot()
			Expect(sess.PendingSanitizations).To(HaveLen(2))
			Expect(sess.ActiveChallenge.ExpectedAnswer).NotTo(Equal("RA2023001"))

			say("  " + expectedAnswer() + " ")
			Expect(engState(eng)).To(Equal(domain.StateAuthenticated))
			Expect(tr.Last(conv)).To(Equal("Thanks, Joao, you're signed in. How can I help?"))

			student, ok := eng.StudentContext(conv)
			Expect(ok).To(BeTrue())
			Expect(student.RegistrationID).To(BeEmpty())
			Expect(student.Email).To(Equal("joao@inst.edu"))
			Expect(snapshot().AccessToken).To(Equal("token-1-42"))

			Expect(journal.Reasons()).To(Equal([]string{"begin", "student_resolved", "answer_submitted"}))
			for _, ev := range journal.Transitions() {
				Expect(ev.Challenge).NotTo(ContainSubstring("RA"))
			}
		})

		It("deletes the email, the question and the answer once signed in", func() {
			signIn()

			Eventually(func() []string { return snapshot().PendingSanitizations }).Should(BeEmpty())
			Eventually(tr.Deleted).Should(ConsistOf("in-2", "in-3", tr.IDOf("To confirm it's you")))
		})

		It("forwards protected intents with the access token once signed in", func() {
			signIn()
			say("show my grades")

			Expect(acts.Requests()).To(HaveLen(1))
			req := acts.Requests()[0]
			Expect(req.Intent).To(Equal(domain.IntentGrades))
			Expect(req.AccessToken).To(Equal("token-1-42"))
			Expect(tr.Last(conv)).To(Equal("Your grades: Calculus 9.5"))
		})

		It("replies with a generic message when the action fails", func() {
			acts.err = actions.ErrUnavailable
			signIn()
			say("what's my schedule")

			Expect(tr.Last(conv)).To(HavePrefix("I couldn't get that information"))
		})

		It("restarts the round after three wrong answers", func() {
			say("hi")
			say("joao@inst.edu")

			say("ZZZ")
			say("ZZZ")
			Expect(snapshot().ChallengeAttempts).To(Equal(2))
			say("ZZZ")

			sess := snapshot()
			Expect(sess.AuthState).To(Equal(domain.StateAwaitingEmail))
			Expect(sess.Student).To(BeNil())
			Expect(sess.ChallengeAttempts).To(BeZero())
			Expect(tr.Last(conv)).To(HavePrefix("Too many incorrect answers"))
			Expect(journal.Reasons()).To(ContainElement("attempts_exhausted"))
		})

		It("re-prompts when the email is unknown", func() {
			say("hi")
			say("maria@inst.edu")

			Expect(engState(eng)).To(Equal(domain.StateAwaitingEmail))
			Expect(tr.Last(conv)).To(HavePrefix("I couldn't find a student"))
		})

		It("asks to retry when the backend is down", func() {
			gw.unavailable = true
			say("hi")
			say("joao@inst.edu")

			Expect(engState(eng)).To(Equal(domain.StateAwaitingEmail))
			Expect(tr.Last(conv)).To(HavePrefix("I'm having trouble reaching"))
		})

		It("accepts a volunteered email without a greeting", func() {
			say("my email is joao@inst.edu")

			Expect(engState(eng)).To(Equal(domain.StateAwaitingChallengeAnswer))
			Expect(tr.Texts(conv)).To(HaveLen(1))
		})

		It("logs out in the middle of a round", func() {
			say("hi")
			say("joao@inst.edu")
			say("log out")

			Expect(engState(eng)).To(Equal(domain.StateUnauthenticated))
			Expect(tr.Last(conv)).To(HavePrefix("You have been signed out"))
			Eventually(func() []string { return snapshot().PendingSanitizations }).Should(BeEmpty())
		})

		It("ignores redelivered messages", func() {
			say("hi")
			err := eng.Handle(ctx, domain.InboundEvent{ConversationID: conv, MessageID: "in-1", Text: "hi"})
			Expect(err).NotTo(HaveOccurred())

			Expect(tr.Texts(conv)).To(HaveLen(1))
		})
	})

	Describe("inactivity", func() {
		It("expires an idle session before handling its next message", func() {
			signIn()
			clk.Advance(10*time.Minute + time.Second)
			say("help")

			texts := tr.Texts(conv)
			Expect(texts[len(texts)-2]).To(ContainSubstring("inactive for more than 10 minutes"))
			Expect(texts[len(texts)-1]).To(ContainSubstring("grades"))
			Expect(engState(eng)).To(Equal(domain.StateUnauthenticated))
		})

		It("is still signed in exactly at the timeout", func() {
			signIn()
			clk.Advance(10 * time.Minute)
			say("show my grades")

			Expect(acts.Requests()).To(HaveLen(1))
		})

		It("is logged out by the sweep and notified", func() {
			signIn()
			mon := monitor.New(store, eng, monitor.Config{Timeout: 10 * time.Minute, Interval: time.Second, Now: clk.Now}, eng.HandleTimeout, nil)

			clk.Advance(9 * time.Minute)
			Expect(mon.Sweep(ctx)).To(BeZero())

			clk.Advance(2 * time.Minute)
			Expect(mon.Sweep(ctx)).To(Equal(1))
			Expect(engState(eng)).To(Equal(domain.StateUnauthenticated))
			Expect(tr.Last(conv)).To(ContainSubstring("inactive"))
			Expect(journal.Reasons()).To(ContainElement("inactivity_timeout"))
		})
	})

	Describe("mailboxes", func() {
		It("processes submitted messages of one conversation in order", func() {
			for i, text := range []string{"hi", "joao@inst.edu"} {
				eng.Submit(domain.InboundEvent{ConversationID: conv, MessageID: fmt.Sprintf("s-%d", i), Text: text})
			}
			Expect(eng.Wait(ctx)).To(Succeed())
			Expect(engState(eng)).To(Equal(domain.StateAwaitingChallengeAnswer))

			eng.Submit(domain.InboundEvent{ConversationID: conv, MessageID: "s-2", Text: expectedAnswer()})
			Expect(eng.Wait(ctx)).To(Succeed())
			Expect(engState(eng)).To(Equal(domain.StateAuthenticated))
		})

		It("keeps other conversations unaffected by a panic", func() {
			deps.Classifier = panickingClassifier{}
			build()

			err := eng.Handle(ctx, domain.InboundEvent{ConversationID: "ws:boom", MessageID: "1", Text: "hi"})
			Expect(err).To(MatchError(ContainSubstring("panic")))
			Expect(tr.Last("ws:boom")).To(HavePrefix("Something went wrong"))

			deps.Classifier = classifier.NewKeywords()
			build()
			say("hi")
			Expect(engState(eng)).To(Equal(domain.StateAwaitingEmail))
		})

		It("throttles bursts per conversation", func() {
			cfg.InboundRate = 0.001
			cfg.InboundBurst = 2
			build()

			say("hi")
			say("joao@inst.edu")
			say(expectedAnswer())

			Expect(engState(eng)).To(Equal(domain.StateAwaitingChallengeAnswer))
			Expect(tr.Last(conv)).To(HavePrefix("You're sending messages too quickly"))
		})

		It("still tags and touches a throttled message", func() {
			cfg.InboundRate = 0.001
			cfg.InboundBurst = 2
			build()

			say("hi")
			say("joao@inst.edu")
			before := snapshot().LastActivityAt
			clk.Advance(time.Minute)
			say("RA2023001")

			sess := snapshot()
			Expect(sess.AuthState).To(Equal(domain.StateAwaitingChallengeAnswer))
			Expect(sess.PendingSanitizations).To(ContainElement("in-3"))
			Expect(sess.LastActivityAt).To(BeTemporally(">", before))
			Expect(journal.Pending()).To(ContainElement("in-3"))
			Expect(tr.Last(conv)).To(HavePrefix("You're sending messages too quickly"))
		})

		It("flushes a throttled email sent outside a round", func() {
			cfg.InboundRate = 0.001
			cfg.InboundBurst = 1
			build()

			say("thanks")
			say("my email is joao@inst.edu")

			Expect(engState(eng)).To(Equal(domain.StateUnauthenticated))
			Eventually(tr.Deleted).Should(ContainElement("in-2"))
		})

		It("names the component once per log record", func() {
			buf := &syncBuffer{}
			deps.Logger = slog.New(logger.NewTraceHandler(slog.NewJSONHandler(buf, nil)))
			cfg.InboundRate = 0.001
			cfg.InboundBurst = 1
			build()

			say("hi")
			say("hi")
			Expect(eng.Destroy(conv)).To(BeTrue())

			lines := buf.Lines()
			Expect(lines).NotTo(BeEmpty())
			for _, line := range lines {
				Expect(strings.Count(line, `"component":`)).To(Equal(1), line)
			}
		})

		It("drops a refilled throttle bucket once the mailbox drains", func() {
			cfg.InboundRate = 1e9
			cfg.InboundBurst = 1
			build()

			eng.Submit(domain.InboundEvent{ConversationID: conv, MessageID: "b-1", Text: "hi"})
			Expect(eng.Wait(ctx)).To(Succeed())
			Expect(eng.LimiterCount()).To(BeZero())

			cfg.InboundRate = 0.001
			build()
			eng.Submit(domain.InboundEvent{ConversationID: conv, MessageID: "b-2", Text: "hi"})
			Expect(eng.Wait(ctx)).To(Succeed())
			Expect(eng.LimiterCount()).To(Equal(1))
		})
	})

	Describe("upward interface", func() {
		It("reports unknown conversations as unauthenticated", func() {
			Expect(eng.CurrentAuthState("ws:nobody")).To(Equal(domain.StateUnauthenticated))
			_, ok := eng.StudentContext("ws:nobody")
			Expect(ok).To(BeFalse())
		})

		It("hands pending messages to the sanitizer on destroy", func() {
			say("hi")
			say("joao@inst.edu")
			Expect(snapshot().PendingSanitizations).To(HaveLen(2))
			Expect(eng.ActiveConversations()).To(Equal(1))

			Expect(eng.Destroy(conv)).To(BeTrue())
			Expect(eng.ActiveConversations()).To(BeZero())
			Expect(eng.Destroy(conv)).To(BeFalse())
			Expect(eng.CurrentAuthState(conv)).To(Equal(domain.StateUnauthenticated))
			Eventually(tr.Deleted).Should(HaveLen(2))
			Expect(journal.Reasons()).To(ContainElement("destroyed"))
		})
	})
})

func engState(e *engine.Engine) domain.AuthState {
	return e.CurrentAuthState(conv)
}
